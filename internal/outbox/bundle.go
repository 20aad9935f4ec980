package outbox

import (
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/membership"
	"github.com/MarcoPoloResearchLab/courier/internal/wire"
)

// Bundle is a correction message ready for the sending pipeline. Headers are the protected
// headers to sign and encrypt. Records are the replayable header blocks, and Originals the
// index-aligned messages as their actors transmitted them (nil for changes composed on this
// device); the sending pipeline attaches both without interpreting them.
type Bundle struct {
	BundleID    string              `json:"bundle_id"`
	Account     wire.Address        `json:"account"`
	GroupID     string              `json:"group_id"`
	Recipients  []wire.Address      `json:"recipients"`
	Headers     map[string][]string `json:"headers"`
	Records     [][]byte            `json:"records"`
	Originals   [][]byte            `json:"originals"`
	MessageIDs  []string            `json:"message_ids"`
	TriggeredBy string              `json:"triggered_by"`
	CreatedAt   time.Time           `json:"created_at"`
}

// NewBundle converts a membership correction into its outgoing form.
func NewBundle(bundleID string, account wire.Address, correction membership.OutgoingBundle, createdAt time.Time) Bundle {
	bundle := Bundle{
		BundleID:    bundleID,
		Account:     account,
		GroupID:     correction.GroupID,
		Recipients:  append([]wire.Address(nil), correction.Recipients...),
		Records:     make([][]byte, 0, len(correction.Records)),
		Originals:   make([][]byte, 0, len(correction.Records)),
		MessageIDs:  make([]string, 0, len(correction.Records)),
		TriggeredBy: correction.TriggeredBy,
		CreatedAt:   createdAt.UTC(),
	}
	for _, record := range correction.Records {
		bundle.Records = append(bundle.Records, record.Raw)
		bundle.Originals = append(bundle.Originals, record.Original)
		bundle.MessageIDs = append(bundle.MessageIDs, record.MessageID)
	}
	bundle.Headers = correctionHeaders(account, correction.GroupID, bundle.Recipients, len(bundle.Records))
	return bundle
}

// correctionHeaders builds the protected headers of a correction message. Peers that do
// not understand the correction header ignore it.
func correctionHeaders(account wire.Address, groupID string, recipients []wire.Address, records int) map[string][]string {
	names := make([]string, 0, len(recipients))
	for _, recipient := range recipients {
		names = append(names, recipient.String())
	}
	return map[string][]string{
		wire.HeaderFrom:             {account.String()},
		wire.HeaderTo:               {strings.Join(names, ", ")},
		wire.HeaderGroupID:          {groupID},
		wire.HeaderMemberCorrection: {strconv.Itoa(records)},
		wire.HeaderVersion:          {wire.ProtocolVersion()},
	}
}
