package oxia

import (
	"context"

	oxiaclient "github.com/oxia-db/oxia/oxia"

	"github.com/sluice-io/sluice/internal/kvstore"
)

// notificationStream implements kvstore.NotificationStream for Oxia.
type notificationStream struct {
	notifications oxiaclient.Notifications
	ctx           context.Context
}

// Next blocks until the next notification is available or the context is cancelled.
func (s *notificationStream) Next(ctx context.Context) (kvstore.Notification, error) {
	select {
	case <-ctx.Done():
		return kvstore.Notification{}, ctx.Err()
	case <-s.ctx.Done():
		return kvstore.Notification{}, s.ctx.Err()
	case n, ok := <-s.notifications.Ch():
		if !ok {
			return kvstore.Notification{}, kvstore.ErrStoreClosed
		}
		return convertNotification(n), nil
	}
}

// Close releases resources associated with the stream.
func (s *notificationStream) Close() error {
	return s.notifications.Close()
}

func convertNotification(n *oxiaclient.Notification) kvstore.Notification {
	result := kvstore.Notification{
		Key: n.Key,
		// Oxia's zero-based versions map up by one. Deletes carry the
		// -1 sentinel and land on 0, the version of an absent key.
		Version: toStoreVersion(n.VersionId),
	}

	switch n.Type {
	case oxiaclient.KeyCreated, oxiaclient.KeyModified:
		result.Deleted = false
	case oxiaclient.KeyDeleted, oxiaclient.KeyRangeRangeDeleted:
		result.Deleted = true
	}

	return result
}
