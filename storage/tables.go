package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/google/uuid"

	"boardsync/domain"
)

// maxConditionalAttempts bounds the read-modify-write loop of conditional
// updates racing other writers.
const maxConditionalAttempts = 3

type tableClient interface {
	GetEntity(ctx context.Context, partitionKey, rowKey string, o *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	AddEntity(ctx context.Context, entity []byte, o *aztables.AddEntityOptions) (aztables.AddEntityResponse, error)
	UpdateEntity(ctx context.Context, entity []byte, o *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error)
	DeleteEntity(ctx context.Context, partitionKey, rowKey string, o *aztables.DeleteEntityOptions) (aztables.DeleteEntityResponse, error)
	NewListEntitiesPager(o *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
}

// TableNames names the three tables of a board store.
type TableNames struct {
	Boards string `yaml:"boards"`
	Lists  string `yaml:"lists"`
	Cards  string `yaml:"cards"`
}

// Tables stores boards in Azure Table Storage. Writes are guarded by the
// entity ETag and the version column.
type Tables struct {
	boards tableClient
	lists  tableClient
	cards  tableClient
	newID  func() string
}

// NewTables creates a Tables store from the given connection string.
func NewTables(connStr string, names TableNames) (*Tables, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return newTables(svc.NewClient(names.Boards), svc.NewClient(names.Lists), svc.NewClient(names.Cards)), nil
}

func newTables(boards, lists, cards tableClient) *Tables {
	return &Tables{boards: boards, lists: lists, cards: cards, newID: uuid.NewString}
}

func quote(s string) string { return "'" + strings.ReplaceAll(s, "'", "''") + "'" }

func (t *Tables) get(ctx context.Context, c tableClient, id, what string, out any) (azcore.ETag, error) {
	resp, err := c.GetEntity(ctx, id, id, nil)
	if err != nil {
		return "", tableError(err, what+" "+id)
	}
	if err := json.Unmarshal(resp.Value, out); err != nil {
		return "", fmt.Errorf("%w: decode %s %s: %v", domain.ErrInvalidEntity, what, id, err)
	}
	return resp.ETag, nil
}

func (t *Tables) add(ctx context.Context, c tableClient, ent any, what string) error {
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = c.AddEntity(ctx, payload, nil)
	return tableError(err, what)
}

func (t *Tables) replace(ctx context.Context, c tableClient, ent any, etag azcore.ETag, what string) error {
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = c.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeReplace})
	return tableError(err, what)
}

func (t *Tables) remove(ctx context.Context, c tableClient, id string, etag azcore.ETag, what string) error {
	_, err := c.DeleteEntity(ctx, id, id, &aztables.DeleteEntityOptions{IfMatch: &etag})
	err = tableError(err, what+" "+id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	return err
}

func query[T any](ctx context.Context, c tableClient, filter, what string) ([]T, error) {
	pager := c.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	var out []T
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, tableError(err, what)
		}
		for _, raw := range resp.Entities {
			var ent T
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, fmt.Errorf("%w: decode %s: %v", domain.ErrInvalidEntity, what, err)
			}
			out = append(out, ent)
		}
	}
	return out, nil
}

func (t *Tables) FetchBoard(ctx context.Context, id string) (domain.Board, error) {
	var ent boardEntity
	if _, err := t.get(ctx, t.boards, id, "board", &ent); err != nil {
		return domain.Board{}, err
	}
	return ent.board(), nil
}

func (t *Tables) ListBoards(ctx context.Context, ownerID string) ([]domain.Board, error) {
	ents, err := query[boardEntity](ctx, t.boards, "OwnerID eq "+quote(ownerID), "boards of "+ownerID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Board, len(ents))
	for i, e := range ents {
		out[i] = e.board()
	}
	return out, nil
}

func (t *Tables) FetchList(ctx context.Context, id string) (domain.List, error) {
	var ent listEntity
	if _, err := t.get(ctx, t.lists, id, "list", &ent); err != nil {
		return domain.List{}, err
	}
	return ent.list(), nil
}

func (t *Tables) FetchLists(ctx context.Context, boardID string) ([]domain.List, error) {
	ents, err := query[listEntity](ctx, t.lists, "BoardID eq "+quote(boardID), "lists of "+boardID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.List, len(ents))
	for i, e := range ents {
		out[i] = e.list()
	}
	return out, nil
}

func (t *Tables) FetchCard(ctx context.Context, id string) (domain.Card, error) {
	var ent cardEntity
	if _, err := t.get(ctx, t.cards, id, "card", &ent); err != nil {
		return domain.Card{}, err
	}
	l, err := t.FetchList(ctx, ent.ListID)
	if err != nil {
		return domain.Card{}, err
	}
	return ent.card(l.Status), nil
}

func (t *Tables) FetchCards(ctx context.Context, listID string) ([]domain.Card, error) {
	l, err := t.FetchList(ctx, listID)
	if err != nil {
		return nil, err
	}
	ents, err := query[cardEntity](ctx, t.cards, "ListID eq "+quote(listID), "cards of "+listID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Card, len(ents))
	for i, e := range ents {
		out[i] = e.card(l.Status)
	}
	return out, nil
}

// parentList reads the list a card is written into. A missing list makes
// the write an orphan.
func (t *Tables) parentList(ctx context.Context, id string) (domain.List, error) {
	l, err := t.FetchList(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.List{}, fmt.Errorf("%w: list %s", domain.ErrOrphanReference, id)
	}
	return l, err
}

func (t *Tables) CreateBoard(ctx context.Context, b domain.Board) (domain.Board, []domain.List, error) {
	if b.ID == "" {
		b.ID = t.newID()
	}
	b.Version = nextVersion(0)
	if err := t.add(ctx, t.boards, newBoardEntity(b), "board "+b.ID); err != nil {
		return domain.Board{}, nil, err
	}
	lists := defaultLists(b.ID, t.newID)
	for i := range lists {
		lists[i].Version = nextVersion(0)
		if err := t.add(ctx, t.lists, newListEntity(lists[i]), "list "+lists[i].ID); err != nil {
			return domain.Board{}, nil, err
		}
	}
	return b, lists, nil
}

func (t *Tables) UpdateBoard(ctx context.Context, id string, patch domain.BoardPatch, baseline int64) (domain.Board, error) {
	for attempt := 0; attempt < maxConditionalAttempts; attempt++ {
		var ent boardEntity
		etag, err := t.get(ctx, t.boards, id, "board", &ent)
		if err != nil {
			return domain.Board{}, err
		}
		if ent.Version > baseline {
			return domain.Board{}, fmt.Errorf("%w: board %s at %d, write based on %d", domain.ErrStaleWrite, id, ent.Version, baseline)
		}
		b := patch.Apply(ent.board())
		b.Version = nextVersion(ent.Version)
		err = t.replace(ctx, t.boards, newBoardEntity(b), etag, "board "+id)
		if errors.Is(err, domain.ErrStaleWrite) {
			continue
		}
		if err != nil {
			return domain.Board{}, err
		}
		return b, nil
	}
	return domain.Board{}, fmt.Errorf("%w: board %s kept changing", domain.ErrStaleWrite, id)
}

func (t *Tables) CreateList(ctx context.Context, l domain.List) (domain.List, error) {
	if _, err := t.FetchBoard(ctx, l.BoardID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.List{}, fmt.Errorf("%w: board %s", domain.ErrOrphanReference, l.BoardID)
		}
		return domain.List{}, err
	}
	if l.ID == "" {
		l.ID = t.newID()
	}
	l.Version = nextVersion(0)
	err := t.add(ctx, t.lists, newListEntity(l), "list "+l.ID)
	if errors.Is(err, errAlreadyExists) {
		// a retried create that already went through
		return t.FetchList(ctx, l.ID)
	}
	if err != nil {
		return domain.List{}, err
	}
	return l, nil
}

func (t *Tables) UpdateList(ctx context.Context, id string, patch domain.ListPatch, baseline int64) (domain.List, error) {
	for attempt := 0; attempt < maxConditionalAttempts; attempt++ {
		var ent listEntity
		etag, err := t.get(ctx, t.lists, id, "list", &ent)
		if err != nil {
			return domain.List{}, err
		}
		if ent.Version > baseline {
			return domain.List{}, fmt.Errorf("%w: list %s at %d, write based on %d", domain.ErrStaleWrite, id, ent.Version, baseline)
		}
		l := patch.Apply(ent.list())
		l.Version = nextVersion(ent.Version)
		err = t.replace(ctx, t.lists, newListEntity(l), etag, "list "+id)
		if errors.Is(err, domain.ErrStaleWrite) {
			continue
		}
		if err != nil {
			return domain.List{}, err
		}
		return l, nil
	}
	return domain.List{}, fmt.Errorf("%w: list %s kept changing", domain.ErrStaleWrite, id)
}

// DeleteList removes the list and every card in it.
func (t *Tables) DeleteList(ctx context.Context, id string, baseline int64) error {
	var ent listEntity
	etag, err := t.get(ctx, t.lists, id, "list", &ent)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if ent.Version > baseline {
		return fmt.Errorf("%w: list %s at %d, write based on %d", domain.ErrStaleWrite, id, ent.Version, baseline)
	}
	cards, err := query[cardEntity](ctx, t.cards, "ListID eq "+quote(id), "cards of "+id)
	if err != nil {
		return err
	}
	for _, c := range cards {
		if err := t.remove(ctx, t.cards, c.RowKey, azcore.ETagAny, "card"); err != nil {
			return err
		}
	}
	return t.remove(ctx, t.lists, id, etag, "list")
}

func (t *Tables) CreateCard(ctx context.Context, c domain.Card) (domain.Card, error) {
	l, err := t.parentList(ctx, c.ListID)
	if err != nil {
		return domain.Card{}, err
	}
	if c.ID == "" {
		c.ID = t.newID()
	}
	if c.Priority == "" {
		c.Priority = domain.PriorityMedium
	}
	c.Status = l.Status
	c.Version = nextVersion(0)
	err = t.add(ctx, t.cards, newCardEntity(c), "card "+c.ID)
	if errors.Is(err, errAlreadyExists) {
		return t.FetchCard(ctx, c.ID)
	}
	if err != nil {
		return domain.Card{}, err
	}
	return c, nil
}

// updateCard runs a conditional read-modify-write of one card. edit returns
// the new card and the list it lives in.
func (t *Tables) updateCard(ctx context.Context, id string, baseline int64, edit func(domain.Card) (domain.Card, error)) (domain.Card, error) {
	for attempt := 0; attempt < maxConditionalAttempts; attempt++ {
		var ent cardEntity
		etag, err := t.get(ctx, t.cards, id, "card", &ent)
		if err != nil {
			return domain.Card{}, err
		}
		if ent.Version > baseline {
			return domain.Card{}, fmt.Errorf("%w: card %s at %d, write based on %d", domain.ErrStaleWrite, id, ent.Version, baseline)
		}
		c, err := edit(ent.card(""))
		if err != nil {
			return domain.Card{}, err
		}
		c.Version = nextVersion(ent.Version)
		err = t.replace(ctx, t.cards, newCardEntity(c), etag, "card "+id)
		if errors.Is(err, domain.ErrStaleWrite) {
			continue
		}
		if err != nil {
			return domain.Card{}, err
		}
		return c, nil
	}
	return domain.Card{}, fmt.Errorf("%w: card %s kept changing", domain.ErrStaleWrite, id)
}

func (t *Tables) UpdateCard(ctx context.Context, id string, patch domain.CardPatch, baseline int64) (domain.Card, error) {
	return t.updateCard(ctx, id, baseline, func(c domain.Card) (domain.Card, error) {
		l, err := t.parentList(ctx, c.ListID)
		if err != nil {
			return domain.Card{}, err
		}
		c = patch.Apply(c)
		c.Status = l.Status
		return c, nil
	})
}

func (t *Tables) MoveCard(ctx context.Context, id, listID string, pos float64, baseline int64) (domain.Card, error) {
	l, err := t.parentList(ctx, listID)
	if err != nil {
		return domain.Card{}, err
	}
	return t.updateCard(ctx, id, baseline, func(c domain.Card) (domain.Card, error) {
		c.ListID, c.Position, c.Status = listID, pos, l.Status
		return c, nil
	})
}

func (t *Tables) DeleteCard(ctx context.Context, id string, baseline int64) error {
	var ent cardEntity
	etag, err := t.get(ctx, t.cards, id, "card", &ent)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if ent.Version > baseline {
		return fmt.Errorf("%w: card %s at %d, write based on %d", domain.ErrStaleWrite, id, ent.Version, baseline)
	}
	return t.remove(ctx, t.cards, id, etag, "card")
}
