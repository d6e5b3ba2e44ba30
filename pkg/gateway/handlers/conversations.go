package handlers

import (
	"net/http"

	"github.com/vango-go/vai-relay/pkg/gateway/apierror"
	"github.com/vango-go/vai-relay/pkg/gateway/auth"
	"github.com/vango-go/vai-relay/pkg/gateway/conversations"
	"github.com/vango-go/vai-relay/pkg/gateway/live/protocol"
)

type conversationListResponse struct {
	Conversations []protocol.ConversationSummary `json:"conversations"`
}

// ConversationsHandler lists the caller's conversations for clients that
// are not connected to the live endpoint.
type ConversationsHandler struct {
	Conversations *conversations.Manager
}

func (h ConversationsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		writeError(w, r, &apierror.Error{Type: apierror.ErrAuthentication, Message: "authentication required"})
		return
	}

	summaries, err := h.Conversations.List(r.Context(), p.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := conversationListResponse{Conversations: make([]protocol.ConversationSummary, 0, len(summaries))}
	for _, s := range summaries {
		resp.Conversations = append(resp.Conversations, s.Wire())
	}
	writeJSON(w, http.StatusOK, resp)
}
