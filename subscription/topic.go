package subscription

import (
	"context"

	"boardsync/domain"
)

// Topic is one board's change stream for one table.
type Topic struct {
	BoardID string
	Table   string
}

// Topics returns the streams a board view listens to.
func Topics(boardID string) []Topic {
	return []Topic{
		{BoardID: boardID, Table: domain.TableBoards},
		{BoardID: boardID, Table: domain.TableLists},
		{BoardID: boardID, Table: domain.TableCards},
	}
}

// Channel names the topic on transports with named channels.
func (t Topic) Channel(prefix string) string {
	return prefix + ":" + t.BoardID + ":" + t.Table
}

// Receiver gets the raw changes of one topic. Resync is called whenever the
// transport (re)connects, since changes may have been missed in between.
type Receiver interface {
	Receive(domain.Change)
	Resync()
}

// Feed is a change feed transport. Listen blocks delivering changes of
// topic to rcv until ctx is cancelled, reconnecting as needed.
type Feed interface {
	Listen(ctx context.Context, topic Topic, rcv Receiver) error
}

// Publisher pushes a change of a board onto a feed.
type Publisher interface {
	Publish(ctx context.Context, boardID string, ch domain.Change) error
}
