package main

import (
	"context"
	"errors"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	log "github.com/sirupsen/logrus"

	"boardsync/config"
	"boardsync/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	log.WithField("store", cfg.Store).Info("storage init starting")

	ctx := context.Background()
	switch cfg.Store {
	case config.StoreTables:
		if err := createTables(ctx, cfg.StorageConnectionString, []string{
			cfg.Tables.Boards,
			cfg.Tables.Lists,
			cfg.Tables.Cards,
		}); err != nil {
			log.Fatalf("create tables: %v", err)
		}
	case config.StorePostgres:
		pool, err := storage.OpenPostgres(ctx, cfg.PostgresURL)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		defer pool.Close()
		if err := storage.ApplySchema(ctx, pool); err != nil {
			log.Fatalf("apply schema: %v", err)
		}
	case config.StoreMemory:
		log.Info("memory store needs no setup")
	}

	// change feed queues are created by their first listener or publisher
	log.Info("storage init complete")
}

func createTables(ctx context.Context, connStr string, names []string) error {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == "" {
			continue
		}
		_, err := svc.NewClient(name).CreateTable(ctx, nil)
		if err != nil {
			var respErr *azcore.ResponseError
			if !(errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists)) {
				return err
			}
			log.WithField("table", name).Debug("table already exists")
		}
	}
	return nil
}
