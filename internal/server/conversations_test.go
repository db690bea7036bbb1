package server

import (
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/storefront/backend/internal/inquiries"
)

type pollEnvelope struct {
	Success bool             `json:"success"`
	Error   string           `json:"error"`
	Data    pollResponseData `json:"data"`
}

func TestPollReturnsNewerMessagesImmediately(t *testing.T) {
	stack := newTestStack(t, stackOptions{})
	owner := stack.token(t, 10)
	conversationID := stack.createConversation(t, owner)
	first := stack.postMessage(t, owner, conversationID, "one")
	stack.postMessage(t, owner, conversationID, "two")
	third := stack.postMessage(t, owner, conversationID, "three")

	path := fmt.Sprintf("/conversations/%d/messages/poll?lastMessageId=%d", conversationID, first)
	response := stack.do(t, http.MethodGet, path, owner, "")
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected poll status: %d", response.StatusCode)
	}
	var envelope pollEnvelope
	decodeBody(t, response, &envelope)

	data := envelope.Data
	if !envelope.Success || !data.HasNewMessages || !data.IsLongPoll {
		t.Fatalf("unexpected poll envelope %+v", envelope)
	}
	if len(data.NewMessages) != 2 || data.NewMessages[0].Content != "two" || data.LastMessageID != third {
		t.Fatalf("unexpected new messages %+v", data)
	}
	if data.TotalCount != 3 {
		t.Fatalf("expected total count 3, got %d", data.TotalCount)
	}
	if data.UnreadCount != 0 {
		t.Fatalf("own messages must not count as unread, got %d", data.UnreadCount)
	}
}

func TestPollTimesOutWithEmptyResult(t *testing.T) {
	stack := newTestStack(t, stackOptions{})
	owner := stack.token(t, 10)
	conversationID := stack.createConversation(t, owner)

	startedAt := time.Now()
	path := fmt.Sprintf("/conversations/%d/messages/poll?lastMessageId=0&timeout=200", conversationID)
	response := stack.do(t, http.MethodGet, path, owner, "")
	elapsed := time.Since(startedAt)

	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected poll status: %d", response.StatusCode)
	}
	var envelope pollEnvelope
	decodeBody(t, response, &envelope)
	if envelope.Data.HasNewMessages || len(envelope.Data.NewMessages) != 0 || envelope.Data.NewMessages == nil {
		t.Fatalf("expected an empty message list, got %+v", envelope.Data)
	}
	if elapsed < 150*time.Millisecond || elapsed > 2*time.Second {
		t.Fatalf("expected the poll to be held for about 200ms, took %s", elapsed)
	}
	if stack.bus.ListenerCount() != 1 {
		// The relay holds the only remaining subscription.
		t.Fatalf("expected only the relay subscription, have %d", stack.bus.ListenerCount())
	}
}

func TestPollResolvesWhenMessageArrives(t *testing.T) {
	testCases := []struct {
		name    string
		timeout string
	}{
		{name: "within-max", timeout: "5000"},
		{name: "beyond-max-is-clamped", timeout: "9223372036854775807"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			stack := newTestStack(t, stackOptions{})
			owner := stack.token(t, 10)
			staff := stack.token(t, 2, "admin")
			conversationID := stack.createConversation(t, owner)
			seen := stack.postMessage(t, owner, conversationID, "hello")

			type pollResult struct {
				status   int
				envelope pollEnvelope
			}
			done := make(chan pollResult, 1)
			go func() {
				path := fmt.Sprintf("/conversations/%d/messages/poll?lastMessageId=%d&timeout=%s", conversationID, seen, testCase.timeout)
				request, _ := http.NewRequest(http.MethodGet, stack.server.URL+path, http.NoBody)
				request.Header.Set("Authorization", "Bearer "+owner)
				response, err := http.DefaultClient.Do(request)
				if err != nil {
					done <- pollResult{}
					return
				}
				defer response.Body.Close()
				var envelope pollEnvelope
				_ = decodeJSON(response, &envelope)
				done <- pollResult{status: response.StatusCode, envelope: envelope}
			}()

			waitForBusListeners(t, stack, 2)
			reply := stack.postMessage(t, staff, conversationID, "how can we help?")

			select {
			case result := <-done:
				if result.status != http.StatusOK {
					t.Fatalf("unexpected poll status: %d", result.status)
				}
				data := result.envelope.Data
				if len(data.NewMessages) != 1 || data.NewMessages[0].ID != reply || data.LastMessageID != reply {
					t.Fatalf("unexpected poll data %+v", data)
				}
				if data.UnreadCount != 1 {
					t.Fatalf("expected the staff reply to be unread for the owner, got %d", data.UnreadCount)
				}
			case <-time.After(3 * time.Second):
				t.Fatalf("poll did not resolve after the message was created")
			}
		})
	}
}

func TestPollRejectsInvalidRequests(t *testing.T) {
	stack := newTestStack(t, stackOptions{})
	owner := stack.token(t, 10)
	stranger := stack.token(t, 11)
	conversationID := stack.createConversation(t, owner)

	testCases := []struct {
		name       string
		path       string
		token      string
		wantStatus int
		wantError  string
	}{
		{
			name:       "missing-token",
			path:       fmt.Sprintf("/conversations/%d/messages/poll", conversationID),
			wantStatus: http.StatusUnauthorized,
			wantError:  "unauthorized",
		},
		{
			name:       "not-a-participant",
			path:       fmt.Sprintf("/conversations/%d/messages/poll", conversationID),
			token:      stranger,
			wantStatus: http.StatusForbidden,
			wantError:  "forbidden",
		},
		{
			name:       "unknown-conversation",
			path:       fmt.Sprintf("/conversations/%d/messages/poll", conversationID+100),
			token:      owner,
			wantStatus: http.StatusNotFound,
			wantError:  "not_found",
		},
		{
			name:       "bad-conversation-id",
			path:       "/conversations/abc/messages/poll",
			token:      owner,
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_conversation_id",
		},
		{
			name:       "bad-cursor",
			path:       fmt.Sprintf("/conversations/%d/messages/poll?lastMessageId=latest", conversationID),
			token:      owner,
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_last_message_id",
		},
		{
			name:       "bad-timeout",
			path:       fmt.Sprintf("/conversations/%d/messages/poll?timeout=soon", conversationID),
			token:      owner,
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_timeout",
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			response := stack.do(t, http.MethodGet, testCase.path, testCase.token, "")
			if response.StatusCode != testCase.wantStatus {
				t.Fatalf("unexpected status: got %d want %d", response.StatusCode, testCase.wantStatus)
			}
			var payload map[string]any
			decodeBody(t, response, &payload)
			if payload["error"] != testCase.wantError || payload["success"] != false {
				t.Fatalf("expected error %s, got %v", testCase.wantError, payload)
			}
		})
	}
}

func TestPollNotFoundIncludesServiceErrorCode(t *testing.T) {
	stack := newTestStack(t, stackOptions{})
	owner := stack.token(t, 10)

	response := stack.do(t, http.MethodGet, "/conversations/999/messages/poll", owner, "")
	if response.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected status: %d", response.StatusCode)
	}
	var payload map[string]any
	decodeBody(t, response, &payload)
	if payload["code"] != "inquiries.authorize.not_found" {
		t.Fatalf("expected service error code, got %v", payload["code"])
	}
}

func TestPollRateLimitedPerUser(t *testing.T) {
	stack := newTestStack(t, stackOptions{pollRatePerMinute: 1})
	owner := stack.token(t, 10)
	conversationID := stack.createConversation(t, owner)
	stack.postMessage(t, owner, conversationID, "hello")

	path := fmt.Sprintf("/conversations/%d/messages/poll", conversationID)
	if response := stack.do(t, http.MethodGet, path, owner, ""); response.StatusCode != http.StatusOK {
		t.Fatalf("expected first poll to be admitted, got %d", response.StatusCode)
	}
	response := stack.do(t, http.MethodGet, path, owner, "")
	if response.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected rate limited poll, got %d", response.StatusCode)
	}
}

func TestStaffCanPollAnyConversation(t *testing.T) {
	stack := newTestStack(t, stackOptions{})
	owner := stack.token(t, 10)
	staff := stack.token(t, 2, "admin")
	conversationID := stack.createConversation(t, owner)
	stack.postMessage(t, owner, conversationID, "hello")

	path := fmt.Sprintf("/conversations/%d/messages/poll", conversationID)
	response := stack.do(t, http.MethodGet, path, staff, "")
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected staff poll to succeed, got %d", response.StatusCode)
	}
	var envelope pollEnvelope
	decodeBody(t, response, &envelope)
	if envelope.Data.UnreadCount != 1 || len(envelope.Data.NewMessages) != 1 {
		t.Fatalf("unexpected staff poll data %+v", envelope.Data)
	}
}

func TestCreateMessageRejectsInvalidContent(t *testing.T) {
	stack := newTestStack(t, stackOptions{})
	owner := stack.token(t, 10)
	conversationID := stack.createConversation(t, owner)

	path := fmt.Sprintf("/conversations/%d/messages", conversationID)
	body := fmt.Sprintf(`{"content":%q}`, strings.Repeat("x", inquiries.MaxContentLength+1))
	response := stack.do(t, http.MethodPost, path, owner, body)
	if response.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected bad request, got %d", response.StatusCode)
	}
	var payload map[string]any
	decodeBody(t, response, &payload)
	if payload["error"] != "invalid_content" || payload["code"] != "inquiries.create_message.invalid_content" {
		t.Fatalf("unexpected error payload %v", payload)
	}
}

func TestHistoryAndMarkRead(t *testing.T) {
	stack := newTestStack(t, stackOptions{})
	owner := stack.token(t, 10)
	staff := stack.token(t, 2, "admin")
	conversationID := stack.createConversation(t, owner)
	for index := 1; index <= 5; index++ {
		stack.postMessage(t, staff, conversationID, fmt.Sprintf("m%d", index))
	}

	path := fmt.Sprintf("/conversations/%d/messages/history?page=1&limit=2", conversationID)
	response := stack.do(t, http.MethodGet, path, owner, "")
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected history status: %d", response.StatusCode)
	}
	var history struct {
		Data historyResponseData `json:"data"`
	}
	decodeBody(t, response, &history)
	if history.Data.Total != 5 || history.Data.TotalPages != 3 || !history.Data.HasMore {
		t.Fatalf("unexpected history metadata %+v", history.Data)
	}
	if len(history.Data.Messages) != 2 || history.Data.Messages[0].Content != "m4" || history.Data.Messages[1].Content != "m5" {
		t.Fatalf("unexpected history page %+v", history.Data.Messages)
	}

	markPath := fmt.Sprintf("/conversations/%d/messages/mark-read", conversationID)
	body := fmt.Sprintf(`{"messageIds":[%d]}`, history.Data.Messages[0].ID)
	response = stack.do(t, http.MethodPut, markPath, owner, body)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected mark-read status: %d", response.StatusCode)
	}
	var marked struct {
		Data struct {
			Updated int64 `json:"updated"`
		} `json:"data"`
	}
	decodeBody(t, response, &marked)
	if marked.Data.Updated != 1 {
		t.Fatalf("expected one message marked read, got %d", marked.Data.Updated)
	}

	response = stack.do(t, http.MethodPut, markPath, owner, "")
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected mark-all status: %d", response.StatusCode)
	}
	decodeBody(t, response, &marked)
	if marked.Data.Updated != 4 {
		t.Fatalf("expected the remaining four messages marked read, got %d", marked.Data.Updated)
	}
}

func TestHealthReportsChannelState(t *testing.T) {
	stack := newTestStack(t, stackOptions{})
	response := stack.do(t, http.MethodGet, "/healthz", "", "")
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected health status: %d", response.StatusCode)
	}
	var payload map[string]any
	decodeBody(t, response, &payload)
	if payload["channel"] != "disabled" {
		t.Fatalf("expected disabled channel state, got %v", payload["channel"])
	}
}

func TestMetricsEndpointExposesRealtimeCollector(t *testing.T) {
	stack := newTestStack(t, stackOptions{})
	owner := stack.token(t, 10)
	conversationID := stack.createConversation(t, owner)
	stack.postMessage(t, owner, conversationID, "hello")

	response := stack.do(t, http.MethodGet, "/metrics", "", "")
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected metrics status: %d", response.StatusCode)
	}
	exposition := readAll(t, response)
	if !strings.Contains(exposition, `storefront_realtime_channel_publish_total{result="local"} 1`) {
		t.Fatalf("expected local publish counter in exposition:\n%s", exposition)
	}
}
