package membership

import (
	"context"

	"github.com/MarcoPoloResearchLab/courier/internal/chats"
	"github.com/MarcoPoloResearchLab/courier/internal/contacts"
	"github.com/MarcoPoloResearchLab/courier/internal/wire"
	"go.uber.org/zap"
)

// chatView is the local projection of one chat keyed by address.
type chatView struct {
	members    wire.AddressSet
	tombstones wire.AddressSet
	ids        map[wire.Address]contacts.ID
}

func (p *Processor) view(ctx context.Context, chatID chats.ID) (chatView, error) {
	states, err := p.chats.States(ctx, chatID)
	if err != nil {
		return chatView{}, err
	}
	ids := make([]contacts.ID, 0, len(states))
	for _, state := range states {
		ids = append(ids, state.ContactID)
	}
	resolved, err := p.contacts.ByIDs(ctx, ids)
	if err != nil {
		return chatView{}, err
	}
	addressByID := make(map[contacts.ID]wire.Address, len(resolved))
	for _, contact := range resolved {
		addressByID[contact.ContactID] = contact.Addr()
	}

	view := chatView{
		members:    wire.NewAddressSet(),
		tombstones: wire.NewAddressSet(),
		ids:        make(map[wire.Address]contacts.ID, len(states)),
	}
	for _, state := range states {
		address, ok := addressByID[state.ContactID]
		if !ok {
			continue
		}
		view.ids[address] = state.ContactID
		if state.IsMember {
			view.members.Add(address)
		} else {
			view.tombstones.Add(address)
		}
	}
	return view, nil
}

// divergence compares the sender's declared list with the local view, ignoring the change
// target, and collects the GMMs that explain the difference: the latest add for every member
// only this device knows, and the latest removal for every declared member this device holds
// a tombstone for.
func (p *Processor) divergence(ctx context.Context, chat chats.Chat, view chatView, record wire.Record) (*OutgoingBundle, error) {
	target := record.Change.Target
	declared := wire.NewAddressSet(record.Change.Declared...)

	var replay []wire.Record
	collect := func(address wire.Address, direction wire.Direction) error {
		event, found, err := p.latestEvent(ctx, chat.ChatID, view.ids[address], direction)
		if err != nil || !found {
			return err
		}
		replayed, err := wire.ParseRecord(event.Record)
		if err != nil {
			p.logger.Warn("stored membership record cannot be replayed",
				zap.String(fieldGroupID, chat.GroupID),
				zap.String(fieldMessageID, event.MessageID),
				zap.Error(err))
			return nil
		}
		replayed.Original = event.RawMessage
		replay = append(replay, replayed)
		return nil
	}

	for _, address := range view.members.Sorted() {
		if address == target || declared.Has(address) {
			continue
		}
		if err := collect(address, wire.DirectionAdded); err != nil {
			return nil, err
		}
	}
	for _, address := range declared.Sorted() {
		if address == target || !view.tombstones.Has(address) {
			continue
		}
		if err := collect(address, wire.DirectionRemoved); err != nil {
			return nil, err
		}
	}
	if len(replay) == 0 {
		return nil, nil
	}

	recipients := wire.NewAddressSet(target)
	for address := range view.members {
		recipients.Add(address)
	}
	for address := range declared {
		recipients.Add(address)
	}
	delete(recipients, p.self)

	p.logger.Info("membership divergence detected",
		zap.String(fieldGroupID, chat.GroupID),
		zap.String(fieldMessageID, record.MessageID),
		zap.Int("records", len(replay)))
	return &OutgoingBundle{
		GroupID:     chat.GroupID,
		ChatID:      chat.ChatID,
		Recipients:  recipients.Sorted(),
		Records:     replay,
		TriggeredBy: record.MessageID,
	}, nil
}
