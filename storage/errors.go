package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"boardsync/domain"
)

// errAlreadyExists is returned by inserts of a row id that is taken.
var errAlreadyExists = errors.New("already exists")

// tableError maps an Azure Tables failure onto the domain error taxonomy.
func tableError(err error, what string) error {
	if err == nil {
		return nil
	}
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %s: %v", domain.ErrTransientNetwork, what, err)
	}
	switch code := respErr.StatusCode; {
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, what)
	case code == http.StatusPreconditionFailed:
		return fmt.Errorf("%w: %s", domain.ErrStaleWrite, what)
	case code == http.StatusConflict && respErr.ErrorCode == "EntityAlreadyExists":
		return fmt.Errorf("%w: %s", errAlreadyExists, what)
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return fmt.Errorf("%w: %s: status %d", domain.ErrTransientNetwork, what, code)
	case code == http.StatusBadRequest:
		return fmt.Errorf("%w: %s: %s", domain.ErrInvalidEntity, what, respErr.ErrorCode)
	}
	return fmt.Errorf("%s: %w", what, err)
}

const (
	pgForeignKeyViolation = "23503"
	pgUniqueViolation     = "23505"
	pgCheckViolation      = "23514"
)

// pgError maps a Postgres failure onto the domain error taxonomy.
func pgError(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, what)
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %s: %v", domain.ErrTransientNetwork, what, err)
	}
	switch pgErr.Code {
	case pgForeignKeyViolation:
		return fmt.Errorf("%w: %s: %s", domain.ErrOrphanReference, what, pgErr.ConstraintName)
	case pgUniqueViolation:
		return fmt.Errorf("%w: %s", errAlreadyExists, what)
	case pgCheckViolation:
		return fmt.Errorf("%w: %s: %s", domain.ErrInvalidEntity, what, pgErr.ConstraintName)
	}
	return fmt.Errorf("%s: %w", what, err)
}
