package domain

import (
	"chitchat/contract"
	"chitchat/domain/event"
	"chitchat/errors"
	"chitchat/runtime"
	"context"
	"fmt"
)

// Delete removes the room for everyone. Only the creator may delete it.
// The room document, its Participants rows and its access-control resource
// are removed in that order, then the deletion is broadcast. A failed step
// restores what the previous steps removed.
func (r *Room) Delete(ctx context.Context, by string) error {
	if by != r.info.Creator {
		return fmt.Errorf("%w: %s is not the creator of %s", errors.ErrNotRoomCreator, by, r.info.Name)
	}
	if err := r.usable(); err != nil {
		return err
	}

	name := r.info.Name
	resourceID := ResourceID(r.app, name)
	var (
		roomDoc  contract.Document
		rows     []contract.Document
		resource contract.Document
	)

	err := runtime.NewSaga("delete "+name, r.log).
		Step("delete room document",
			func(ctx context.Context) error {
				doc, err := r.store.FindOne(ctx, RoomsCollection, contract.Document{"_id": name})
				if err != nil {
					return err
				}
				roomDoc = doc
				_, err = r.store.DeleteMany(ctx, RoomsCollection, contract.Document{"_id": name})
				return err
			},
			func(ctx context.Context) error {
				return r.store.InsertOne(ctx, RoomsCollection, roomDoc)
			}).
		Step("delete participants",
			func(ctx context.Context) error {
				found, err := r.store.Find(ctx, ParticipantsCollection, contract.Document{"room": name})
				if err != nil {
					return err
				}
				rows = found
				_, err = r.store.DeleteMany(ctx, ParticipantsCollection, contract.Document{"room": name})
				return err
			},
			func(ctx context.Context) error {
				for _, row := range rows {
					err := r.store.ReplaceOne(ctx, ParticipantsCollection, contract.Document{"_id": row["_id"]}, row, true)
					if err != nil {
						return err
					}
				}
				return nil
			}).
		Step("delete access resource",
			func(ctx context.Context) error {
				doc, err := r.store.FindOne(ctx, ResourcesCollection, contract.Document{"_id": resourceID})
				switch {
				case errors.Is(err, errors.ErrDocumentNotFound):
					return nil
				case err != nil:
					return err
				}
				resource = doc
				_, err = r.store.DeleteMany(ctx, ResourcesCollection, contract.Document{"_id": resourceID})
				return err
			},
			func(ctx context.Context) error {
				if resource == nil {
					return nil
				}
				return r.store.InsertOne(ctx, ResourcesCollection, resource)
			}).
		Step("announce deletion",
			func(ctx context.Context) error {
				return r.publish(ctx, event.DeleteChannel(name), event.RoomDeleted{Room: name}, false)
			}, nil).
		Run(ctx)
	if err != nil {
		return fmt.Errorf("delete %s: %w", name, err)
	}

	r.teardown()
	r.log.Info("Room deleted", "by", by)
	return nil
}

func (r *Room) onDelete(payload []byte) {
	evt, err := event.Decode[event.RoomDeleted](payload)
	if err != nil {
		r.log.Warn("Dropping delete event", "error", err)
		return
	}
	if evt.Room != r.info.Name {
		return
	}
	r.teardown()
}

// teardown purges the local copy of a deleted room. Runs once.
func (r *Room) teardown() {
	r.mu.Lock()
	if r.deleted {
		r.mu.Unlock()
		return
	}
	r.deleted = true
	r.purgeMessagesLocked()
	r.participants = make(map[string]struct{})
	r.pending = make(map[string]PresenceState)
	r.colors.Reset()
	subs := r.takeSubsLocked(nil)
	snap := r.snapshotLocked()
	view := r.view
	r.view = nopView{}
	r.mu.Unlock()

	r.unsubscribeAll(subs)
	view.Refresh(snap)
	view.Detach()
	r.refreshRooms(r.self)
}
