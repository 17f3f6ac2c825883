package api

import (
	"fmt"

	"github.com/labstack/echo/v4"

	"boardsync/domain"
	"boardsync/mutator"
)

func createCard(c echo.Context, m *mutator.Mutator) (*mutator.Result, error) {
	var draft domain.CardDraft
	if err := decodeBody(c, &draft); err != nil {
		return nil, err
	}
	draft.OwnerID = userID(c)
	return m.CreateCard(draft)
}

func updateCard(c echo.Context, m *mutator.Mutator) (*mutator.Result, error) {
	var patch domain.CardPatch
	if err := decodeBody(c, &patch); err != nil {
		return nil, err
	}
	return m.UpdateCard(c.Param("id"), patch)
}

func deleteCard(c echo.Context, m *mutator.Mutator) (*mutator.Result, error) {
	return m.DeleteCard(c.Param("id"))
}

func createList(c echo.Context, m *mutator.Mutator) (*mutator.Result, error) {
	var draft domain.ListDraft
	if err := decodeBody(c, &draft); err != nil {
		return nil, err
	}
	return m.CreateList(draft)
}

func updateList(c echo.Context, m *mutator.Mutator) (*mutator.Result, error) {
	var patch domain.ListPatch
	if err := decodeBody(c, &patch); err != nil {
		return nil, err
	}
	return m.UpdateList(c.Param("id"), patch)
}

func deleteList(c echo.Context, m *mutator.Mutator) (*mutator.Result, error) {
	return m.DeleteList(c.Param("id"))
}

func updateBoard(c echo.Context, m *mutator.Mutator) (*mutator.Result, error) {
	var patch domain.BoardPatch
	if err := decodeBody(c, &patch); err != nil {
		return nil, err
	}
	return m.UpdateBoard(patch)
}

func drag(c echo.Context, m *mutator.Mutator) (*mutator.Result, error) {
	var ev domain.DragEnd
	if err := decodeBody(c, &ev); err != nil {
		return nil, err
	}
	if ev.CardID == "" || ev.TargetListID == "" {
		return nil, fmt.Errorf("%w: cardId and targetListId are required", domain.ErrInvalidEntity)
	}
	return m.Drag(ev)
}

func retry(c echo.Context, m *mutator.Mutator) (*mutator.Result, error) {
	t, err := entityType(c.Param("type"))
	if err != nil {
		return nil, err
	}
	return m.Retry(t, c.Param("id"))
}
