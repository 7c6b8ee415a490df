package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kipande/internal/security"
	"github.com/jkaninda/kipande/internal/snippet"
)

func toSnippetModel(sn *snippet.Snippet) SnippetModel {
	return SnippetModel{
		Name:           sn.Name,
		Code:           sn.Code,
		Enabled:        sn.Enabled,
		Buffer:         sn.Buffer,
		Description:    sn.Description,
		LastParameters: marshalParams(sn.LastParameters),
		CreatedAt:      sn.CreatedAt,
		UpdatedAt:      sn.UpdatedAt,
	}
}

func toSnippetDomain(m *SnippetModel) *snippet.Snippet {
	return &snippet.Snippet{
		Name:           m.Name,
		Code:           m.Code,
		Enabled:        m.Enabled,
		Buffer:         m.Buffer,
		Description:    m.Description,
		LastParameters: unmarshalParams(m.LastParameters),
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func toAuditModel(event security.AuditEvent) AuditEventModel {
	return AuditEventModel{
		ID:            uuid.New(),
		Timestamp:     event.Timestamp,
		CorrelationID: event.CorrelationID,
		ActorID:       event.ActorID,
		Snippet:       event.Snippet,
		Status:        event.Status,
		Message:       event.Message,
		Surface:       event.Surface,
		DurationMS:    event.DurationMS,
		Attributes:    marshalParams(event.Attributes),
		CreatedAt:     time.Now().UTC(),
	}
}

func toAuditDomain(m *AuditEventModel) security.AuditEvent {
	return security.AuditEvent{
		Timestamp:     m.Timestamp,
		CorrelationID: m.CorrelationID,
		ActorID:       m.ActorID,
		Snippet:       m.Snippet,
		Status:        m.Status,
		Message:       m.Message,
		Surface:       m.Surface,
		DurationMS:    m.DurationMS,
		Attributes:    unmarshalParams(m.Attributes),
	}
}

func marshalParams(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	data, err := json.Marshal(params)
	if err != nil {
		return ""
	}
	return string(data)
}

func unmarshalParams(s string) map[string]string {
	if s == "" {
		return nil
	}
	var params map[string]string
	if err := json.Unmarshal([]byte(s), &params); err != nil {
		return nil
	}
	return params
}
