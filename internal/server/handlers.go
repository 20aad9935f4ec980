package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/auth"
	"github.com/MarcoPoloResearchLab/courier/internal/chats"
	"github.com/MarcoPoloResearchLab/courier/internal/ingest"
	"github.com/MarcoPoloResearchLab/courier/internal/keys"
	"github.com/MarcoPoloResearchLab/courier/internal/membership"
	"github.com/MarcoPoloResearchLab/courier/internal/wire"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (h *httpHandler) handleProcessMessage(c *gin.Context) {
	var message wire.RawMessage
	if err := c.ShouldBindJSON(&message); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, err := h.registry.Process(c.Request.Context(), accountFrom(c), message)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type targetRequestPayload struct {
	GroupID string `json:"group_id"`
	Peer    string `json:"peer"`
}

type targetPayload struct {
	Member      wire.Address `json:"member"`
	Introducer  wire.Address `json:"introducer"`
	Fingerprint string       `json:"fingerprint"`
	Verified    bool         `json:"verified"`
	KeyData     []byte       `json:"key_data"`
}

type selectionPayload struct {
	Targets []targetPayload `json:"targets"`
	Missing []wire.Address  `json:"missing"`
}

func (h *httpHandler) handleSelectTargets(c *gin.Context) {
	var request targetRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	target := ingest.TargetRequest{GroupID: strings.TrimSpace(request.GroupID)}
	if strings.TrimSpace(request.Peer) != "" {
		peer, err := wire.ParseAddress(request.Peer)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_peer"})
			return
		}
		target.Peer = peer
	}

	var selection keys.Selection
	err := h.registry.WithAccount(c.Request.Context(), accountFrom(c), func(service *ingest.Service) error {
		var selectErr error
		selection, selectErr = service.SelectTargets(c.Request.Context(), target)
		return selectErr
	})
	var protectionErr *keys.ProtectionError
	if errors.As(err, &protectionErr) {
		c.JSON(http.StatusConflict, gin.H{"error": "protection_unsatisfied", "members": protectionErr.Members})
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newSelectionPayload(selection))
}

func newSelectionPayload(selection keys.Selection) selectionPayload {
	payload := selectionPayload{
		Targets: make([]targetPayload, 0, len(selection.Targets)),
		Missing: append([]wire.Address{}, selection.Missing...),
	}
	for _, target := range selection.Targets {
		payload.Targets = append(payload.Targets, targetPayload{
			Member:      target.Member,
			Introducer:  target.Key.Introducer,
			Fingerprint: target.Key.Fingerprint,
			Verified:    target.Key.IsVerified,
			KeyData:     target.Key.KeyMaterial,
		})
	}
	return payload
}

type groupRequestPayload struct {
	GroupID   string   `json:"group_id"`
	Name      string   `json:"name"`
	Protected bool     `json:"protected"`
	Members   []string `json:"members"`
}

type groupPayload struct {
	GroupID          string         `json:"group_id"`
	Name             string         `json:"name"`
	Protected        bool           `json:"protected"`
	CreatedAtSeconds int64          `json:"created_at_s"`
	Members          []wire.Address `json:"members"`
}

func (h *httpHandler) handleCreateGroup(c *gin.Context) {
	var request groupRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	members, err := parseAddresses(request.Members)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_member"})
		return
	}

	var response groupPayload
	err = h.registry.WithAccount(c.Request.Context(), accountFrom(c), func(service *ingest.Service) error {
		chat, createErr := service.CreateGroup(c.Request.Context(), ingest.GroupRequest{
			GroupID:   request.GroupID,
			Name:      request.Name,
			Protected: request.Protected,
			Members:   members,
		})
		if createErr != nil {
			return createErr
		}
		current, listErr := service.Members(c.Request.Context(), chat.GroupID)
		if listErr != nil {
			return listErr
		}
		response = newGroupPayload(chat, current)
		return nil
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, response)
}

func newGroupPayload(chat chats.Chat, members []wire.Address) groupPayload {
	return groupPayload{
		GroupID:          chat.GroupID,
		Name:             chat.Name,
		Protected:        chat.Protected,
		CreatedAtSeconds: chat.CreatedAtSeconds,
		Members:          members,
	}
}

type changeRequestPayload struct {
	Target           string `json:"target"`
	Direction        string `json:"direction"`
	MessageID        string `json:"message_id"`
	TimestampSeconds int64  `json:"timestamp_s"`
}

type recordPayload struct {
	MessageID        string         `json:"message_id"`
	Actor            wire.Address   `json:"actor"`
	GroupID          string         `json:"group_id"`
	TimestampSeconds int64          `json:"timestamp_s"`
	Direction        wire.Direction `json:"direction"`
	Target           wire.Address   `json:"target"`
	Declared         []wire.Address `json:"declared"`
	Raw              []byte         `json:"raw"`
}

type changeResponsePayload struct {
	Record recordPayload            `json:"record"`
	Deltas []membership.MemberDelta `json:"deltas"`
}

func (h *httpHandler) handleRecordChange(c *gin.Context) {
	var request changeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	target, err := wire.ParseAddress(request.Target)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_target"})
		return
	}
	direction, err := parseDirection(request.Direction)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_direction"})
		return
	}
	change := ingest.ChangeRequest{
		GroupID:   c.Param("group"),
		Target:    target,
		Direction: direction,
		MessageID: strings.TrimSpace(request.MessageID),
	}
	if request.TimestampSeconds > 0 {
		change.Timestamp = time.Unix(request.TimestampSeconds, 0).UTC()
	}

	var (
		record  wire.Record
		outcome membership.Outcome
	)
	err = h.registry.WithAccount(c.Request.Context(), accountFrom(c), func(service *ingest.Service) error {
		var recordErr error
		record, outcome, recordErr = service.RecordChange(c.Request.Context(), change)
		return recordErr
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	deltas := outcome.Deltas
	if deltas == nil {
		deltas = []membership.MemberDelta{}
	}
	c.JSON(http.StatusOK, changeResponsePayload{
		Record: recordPayload{
			MessageID:        record.MessageID,
			Actor:            record.Actor,
			GroupID:          record.GroupID,
			TimestampSeconds: record.Timestamp.Unix(),
			Direction:        record.Change.Direction,
			Target:           record.Change.Target,
			Declared:         record.Change.Declared,
			Raw:              record.Raw,
		},
		Deltas: deltas,
	})
}

func (h *httpHandler) handleListMembers(c *gin.Context) {
	groupID := c.Param("group")
	var members []wire.Address
	err := h.registry.WithAccount(c.Request.Context(), accountFrom(c), func(service *ingest.Service) error {
		var listErr error
		members, listErr = service.Members(c.Request.Context(), groupID)
		return listErr
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"group_id": groupID, "members": members})
}

func (h *httpHandler) handleGroupHistory(c *gin.Context) {
	groupID := c.Param("group")
	var history []chats.SystemMessage
	err := h.registry.WithAccount(c.Request.Context(), accountFrom(c), func(service *ingest.Service) error {
		var listErr error
		history, listErr = service.History(c.Request.Context(), groupID)
		return listErr
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	if history == nil {
		history = []chats.SystemMessage{}
	}
	c.JSON(http.StatusOK, gin.H{"group_id": groupID, "messages": history})
}

type keyPayload struct {
	Introducer        wire.Address `json:"introducer"`
	Fingerprint       string       `json:"fingerprint"`
	Direct            bool         `json:"direct"`
	Verified          bool         `json:"verified"`
	Proven            bool         `json:"proven"`
	LastUpdateSeconds int64        `json:"last_update_s"`
}

func (h *httpHandler) handleListKeys(c *gin.Context) {
	address, err := wire.ParseAddress(c.Param("address"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address"})
		return
	}
	var refs []keys.KeyRef
	err = h.registry.WithAccount(c.Request.Context(), accountFrom(c), func(service *ingest.Service) error {
		var listErr error
		refs, listErr = service.Keys(c.Request.Context(), address)
		return listErr
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	payload := make([]keyPayload, 0, len(refs))
	for _, ref := range refs {
		payload = append(payload, keyPayload{
			Introducer:        ref.Introducer,
			Fingerprint:       ref.Fingerprint,
			Direct:            ref.Direct(),
			Verified:          ref.IsVerified,
			Proven:            ref.Proven,
			LastUpdateSeconds: ref.LastUpdate.Unix(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"address": address, "keys": payload})
}

// handleListAccounts lists the account databases opened by this process that the token
// may reach.
func (h *httpHandler) handleListAccounts(c *gin.Context) {
	value, _ := c.Get(claimsContextKey)
	claims, _ := value.(auth.PipelineClaims)
	accounts := make([]wire.Address, 0)
	for _, account := range h.registry.Accounts() {
		if claims.Allows(account.String()) {
			accounts = append(accounts, account)
		}
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts})
}

type verifyRequestPayload struct {
	Address     string `json:"address"`
	Fingerprint string `json:"fingerprint"`
}

func (h *httpHandler) handleMarkVerified(c *gin.Context) {
	var request verifyRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Fingerprint) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	address, err := wire.ParseAddress(request.Address)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address"})
		return
	}
	fingerprint := keys.NormalizeFingerprint(request.Fingerprint)
	err = h.registry.WithAccount(c.Request.Context(), accountFrom(c), func(service *ingest.Service) error {
		return service.MarkVerified(c.Request.Context(), address, fingerprint)
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.logger.Info("key marked verified",
		zap.String("account", accountFrom(c).String()),
		zap.String("address", address.String()),
		zap.String("fingerprint", fingerprint))
	c.Status(http.StatusNoContent)
}

func parseAddresses(values []string) ([]wire.Address, error) {
	addresses := make([]wire.Address, 0, len(values))
	for _, value := range values {
		address, err := wire.ParseAddress(value)
		if err != nil {
			return nil, err
		}
		addresses = append(addresses, address)
	}
	return addresses, nil
}

func parseDirection(value string) (wire.Direction, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(wire.DirectionAdded):
		return wire.DirectionAdded, nil
	case string(wire.DirectionRemoved):
		return wire.DirectionRemoved, nil
	default:
		return "", errors.New("unknown direction")
	}
}
