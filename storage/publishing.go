package storage

import (
	"context"
	"errors"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
	"boardsync/subscription"
)

const (
	listBoardCacheSize = 1024
	publishTimeout     = 5 * time.Second
)

// Publishing announces every confirmed write of a backend on a change feed,
// for stores that have no change feed of their own.
type Publishing struct {
	Backend
	pub    subscription.Publisher
	boards *lru.Cache[string, string]
	logger *log.Logger
}

func NewPublishing(b Backend, pub subscription.Publisher, logger *log.Logger) *Publishing {
	if logger == nil {
		logger = log.StandardLogger()
	}
	cache, _ := lru.New[string, string](listBoardCacheSize)
	return &Publishing{Backend: b, pub: pub, boards: cache, logger: logger}
}

// boardOf returns the board a list belongs to.
func (p *Publishing) boardOf(ctx context.Context, listID string) (string, error) {
	if id, ok := p.boards.Get(listID); ok {
		return id, nil
	}
	l, err := p.Backend.FetchList(ctx, listID)
	if err != nil {
		return "", err
	}
	p.boards.Add(listID, l.BoardID)
	return l.BoardID, nil
}

// publish never fails the write it announces; it is already committed.
func (p *Publishing) publish(ctx context.Context, boardID string, kind domain.EventKind, t domain.EntityType, row any) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	fields := log.Fields{"board_id": boardID, "type": t, "kind": kind}
	ch, err := subscription.ChangeFor(kind, t, row)
	if err == nil {
		err = p.pub.Publish(ctx, boardID, ch)
	}
	if err != nil {
		p.logger.WithError(err).WithFields(fields).Error("publish change")
	}
}

func (p *Publishing) publishCard(ctx context.Context, kind domain.EventKind, c domain.Card) {
	boardID, err := p.boardOf(ctx, c.ListID)
	if err != nil {
		p.logger.WithError(err).WithField("card_id", c.ID).Error("resolve board of card")
		return
	}
	p.publish(ctx, boardID, kind, domain.EntityCard, domain.CardToRow(c))
}

func (p *Publishing) CreateCard(ctx context.Context, c domain.Card) (domain.Card, error) {
	out, err := p.Backend.CreateCard(ctx, c)
	if err == nil {
		p.publishCard(ctx, domain.KindInsert, out)
	}
	return out, err
}

func (p *Publishing) UpdateCard(ctx context.Context, id string, patch domain.CardPatch, baseline int64) (domain.Card, error) {
	out, err := p.Backend.UpdateCard(ctx, id, patch, baseline)
	if err == nil {
		p.publishCard(ctx, domain.KindUpdate, out)
	}
	return out, err
}

func (p *Publishing) MoveCard(ctx context.Context, id, listID string, pos float64, baseline int64) (domain.Card, error) {
	out, err := p.Backend.MoveCard(ctx, id, listID, pos, baseline)
	if err == nil {
		p.publishCard(ctx, domain.KindUpdate, out)
	}
	return out, err
}

func (p *Publishing) DeleteCard(ctx context.Context, id string, baseline int64) error {
	c, err := p.Backend.FetchCard(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return p.Backend.DeleteCard(ctx, id, baseline)
	}
	if err != nil {
		return err
	}
	if err := p.Backend.DeleteCard(ctx, id, baseline); err != nil {
		return err
	}
	// a delete is newer than the row it removes
	c.Version++
	p.publishCard(ctx, domain.KindDelete, c)
	return nil
}

func (p *Publishing) CreateList(ctx context.Context, l domain.List) (domain.List, error) {
	out, err := p.Backend.CreateList(ctx, l)
	if err == nil {
		p.boards.Add(out.ID, out.BoardID)
		p.publish(ctx, out.BoardID, domain.KindInsert, domain.EntityList, domain.ListToRow(out))
	}
	return out, err
}

func (p *Publishing) UpdateList(ctx context.Context, id string, patch domain.ListPatch, baseline int64) (domain.List, error) {
	out, err := p.Backend.UpdateList(ctx, id, patch, baseline)
	if err == nil {
		p.publish(ctx, out.BoardID, domain.KindUpdate, domain.EntityList, domain.ListToRow(out))
	}
	return out, err
}

func (p *Publishing) DeleteList(ctx context.Context, id string, baseline int64) error {
	l, err := p.Backend.FetchList(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return p.Backend.DeleteList(ctx, id, baseline)
	}
	if err != nil {
		return err
	}
	if err := p.Backend.DeleteList(ctx, id, baseline); err != nil {
		return err
	}
	p.boards.Remove(id)
	l.Version++
	p.publish(ctx, l.BoardID, domain.KindDelete, domain.EntityList, domain.ListToRow(l))
	return nil
}

func (p *Publishing) UpdateBoard(ctx context.Context, id string, patch domain.BoardPatch, baseline int64) (domain.Board, error) {
	out, err := p.Backend.UpdateBoard(ctx, id, patch, baseline)
	if err == nil {
		p.publish(ctx, out.ID, domain.KindUpdate, domain.EntityBoard, domain.BoardToRow(out))
	}
	return out, err
}
