package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
)

func responseError(status int, code string) *azcore.ResponseError {
	return &azcore.ResponseError{
		StatusCode: status,
		ErrorCode:  code,
		RawResponse: &http.Response{
			StatusCode: status,
			Status:     http.StatusText(status),
			Header:     http.Header{},
			Request:    &http.Request{Method: http.MethodGet, URL: &url.URL{Scheme: "https", Host: "fake.table.core.windows.net", Path: "/"}},
		},
	}
}

type fakeRow struct {
	etag azcore.ETag
	raw  []byte
}

// fakeTable is an in-memory table keyed by row key.
type fakeTable struct {
	mu    sync.Mutex
	rows  map[string]fakeRow
	etags int
	// beforeUpdate runs once before the next conditional update is checked.
	beforeUpdate func(f *fakeTable)
	failNext     error
}

func newFakeTable() *fakeTable { return &fakeTable{rows: make(map[string]fakeRow)} }

func (f *fakeTable) nextETag() azcore.ETag {
	f.etags++
	return azcore.ETag(fmt.Sprintf("W/\"%d\"", f.etags))
}

func (f *fakeTable) takeFailure() error {
	err := f.failNext
	f.failNext = nil
	return err
}

func rowKey(raw []byte) (string, error) {
	var keys struct {
		RowKey string `json:"RowKey"`
	}
	if err := json.Unmarshal(raw, &keys); err != nil {
		return "", err
	}
	return keys.RowKey, nil
}

// set overwrites one property of a stored row, as another writer would.
func (f *fakeTable) set(id, field string, value any) {
	var m map[string]any
	_ = json.Unmarshal(f.rows[id].raw, &m)
	m[field] = value
	raw, _ := json.Marshal(m)
	f.rows[id] = fakeRow{etag: f.nextETag(), raw: raw}
}

func (f *fakeTable) GetEntity(ctx context.Context, pk, rk string, o *aztables.GetEntityOptions) (aztables.GetEntityResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return aztables.GetEntityResponse{}, err
	}
	row, ok := f.rows[rk]
	if !ok {
		return aztables.GetEntityResponse{}, responseError(http.StatusNotFound, "ResourceNotFound")
	}
	return aztables.GetEntityResponse{ETag: row.etag, Value: row.raw}, nil
}

func (f *fakeTable) AddEntity(ctx context.Context, entity []byte, o *aztables.AddEntityOptions) (aztables.AddEntityResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return aztables.AddEntityResponse{}, err
	}
	rk, err := rowKey(entity)
	if err != nil {
		return aztables.AddEntityResponse{}, responseError(http.StatusBadRequest, "InvalidInput")
	}
	if _, ok := f.rows[rk]; ok {
		return aztables.AddEntityResponse{}, responseError(http.StatusConflict, "EntityAlreadyExists")
	}
	f.rows[rk] = fakeRow{etag: f.nextETag(), raw: entity}
	return aztables.AddEntityResponse{}, nil
}

func (f *fakeTable) UpdateEntity(ctx context.Context, entity []byte, o *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if hook := f.beforeUpdate; hook != nil {
		f.beforeUpdate = nil
		hook(f)
	}
	if err := f.takeFailure(); err != nil {
		return aztables.UpdateEntityResponse{}, err
	}
	rk, err := rowKey(entity)
	if err != nil {
		return aztables.UpdateEntityResponse{}, responseError(http.StatusBadRequest, "InvalidInput")
	}
	row, ok := f.rows[rk]
	if !ok {
		return aztables.UpdateEntityResponse{}, responseError(http.StatusNotFound, "ResourceNotFound")
	}
	if o != nil && o.IfMatch != nil && *o.IfMatch != azcore.ETagAny && *o.IfMatch != row.etag {
		return aztables.UpdateEntityResponse{}, responseError(http.StatusPreconditionFailed, "UpdateConditionNotSatisfied")
	}
	f.rows[rk] = fakeRow{etag: f.nextETag(), raw: entity}
	return aztables.UpdateEntityResponse{}, nil
}

func (f *fakeTable) DeleteEntity(ctx context.Context, pk, rk string, o *aztables.DeleteEntityOptions) (aztables.DeleteEntityResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return aztables.DeleteEntityResponse{}, err
	}
	row, ok := f.rows[rk]
	if !ok {
		return aztables.DeleteEntityResponse{}, responseError(http.StatusNotFound, "ResourceNotFound")
	}
	if o != nil && o.IfMatch != nil && *o.IfMatch != azcore.ETagAny && *o.IfMatch != row.etag {
		return aztables.DeleteEntityResponse{}, responseError(http.StatusPreconditionFailed, "UpdateConditionNotSatisfied")
	}
	delete(f.rows, rk)
	return aztables.DeleteEntityResponse{}, nil
}

// NewListEntitiesPager understands filters of the form "Field eq 'value'".
func (f *fakeTable) NewListEntitiesPager(o *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse] {
	var field, value string
	if o != nil && o.Filter != nil {
		parts := strings.SplitN(*o.Filter, " eq ", 2)
		field = parts[0]
		value = strings.ReplaceAll(strings.Trim(parts[1], "'"), "''", "'")
	}
	return runtime.NewPager(runtime.PagingHandler[aztables.ListEntitiesResponse]{
		More: func(aztables.ListEntitiesResponse) bool { return false },
		Fetcher: func(ctx context.Context, _ *aztables.ListEntitiesResponse) (aztables.ListEntitiesResponse, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			if err := f.takeFailure(); err != nil {
				return aztables.ListEntitiesResponse{}, err
			}
			var resp aztables.ListEntitiesResponse
			for _, row := range f.rows {
				var m map[string]any
				_ = json.Unmarshal(row.raw, &m)
				if field != "" && m[field] != value {
					continue
				}
				resp.Entities = append(resp.Entities, row.raw)
			}
			return resp, nil
		},
	})
}
