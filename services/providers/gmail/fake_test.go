package gmail

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/customeros/mailbridge/config"
	"github.com/customeros/mailbridge/interfaces"
	"github.com/customeros/mailbridge/internal/logger"
)

type fakeMessage struct {
	ID           string
	ThreadID     string
	Labels       []string
	InternalDate time.Time
	From         string
	To           string
	Subject      string
	Text         string
}

// fakeGmail serves the subset of the Gmail REST API the adapter uses.
type fakeGmail struct {
	mu          sync.Mutex
	messages    map[string]*fakeMessage
	labels      map[string]string
	lastQuery   url.Values
	sentRaw     string
	failStatus  int
	failReason  string
	watchCalls  int
	stopCalls   int
	labelGets   int
	authHeaders []string
}

func newFakeGmail() *fakeGmail {
	return &fakeGmail{
		messages: map[string]*fakeMessage{},
		labels: map[string]string{
			"INBOX":   "INBOX",
			"UNREAD":  "UNREAD",
			"SENT":    "SENT",
			"Label_9": "Archive",
		},
	}
}

func (f *fakeGmail) addMessage(m *fakeMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[m.ID] = m
}

func (f *fakeGmail) fail(status int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failStatus, f.failReason = status, reason
}

func (f *fakeGmail) read(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn()
}

func (f *fakeGmail) labelsOf(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.messages[id].Labels...)
	sort.Strings(out)
	return out
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeAPIError(w http.ResponseWriter, status int, reason, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    status,
			"message": message,
			"errors":  []map[string]string{{"reason": reason, "message": message}},
		},
	})
}

func b64(s string) string {
	return base64.URLEncoding.EncodeToString([]byte(s))
}

func (f *fakeGmail) messageJSON(m *fakeMessage) map[string]interface{} {
	return map[string]interface{}{
		"id":           m.ID,
		"threadId":     m.ThreadID,
		"labelIds":     m.Labels,
		"internalDate": fmt.Sprintf("%d", m.InternalDate.UnixMilli()),
		"payload": map[string]interface{}{
			"partId":   "",
			"mimeType": "multipart/mixed",
			"headers": []map[string]string{
				{"name": "From", "value": m.From},
				{"name": "To", "value": m.To},
				{"name": "Subject", "value": m.Subject},
			},
			"parts": []map[string]interface{}{
				{"partId": "0", "mimeType": "text/plain", "body": map[string]interface{}{"data": b64(m.Text), "size": len(m.Text)}},
				{"partId": "1", "mimeType": "application/pdf", "filename": "invoice.pdf", "body": map[string]interface{}{"attachmentId": "ATT-" + m.ID, "size": 3}},
			},
		},
	}
}

func (f *fakeGmail) handler() http.Handler {
	mux := http.NewServeMux()
	const base = "/gmail/v1/users/me"

	mux.HandleFunc("GET "+base+"/messages", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.lastQuery = r.URL.Query()
		label := r.URL.Query().Get("labelIds")
		var ids []string
		for id, m := range f.messages {
			if label == "" || contains(m.Labels, label) {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)
		refs := make([]map[string]string, 0, len(ids))
		for _, id := range ids {
			refs = append(refs, map[string]string{"id": id, "threadId": f.messages[id].ThreadID})
		}
		body := map[string]interface{}{"messages": refs}
		if r.URL.Query().Get("pageToken") == "" && len(ids) > 1 {
			body["nextPageToken"] = "page-2"
		}
		writeJSON(w, http.StatusOK, body)
	})
	mux.HandleFunc("GET "+base+"/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.authHeaders = append(f.authHeaders, r.Header.Get("Authorization"))
		if f.failStatus != 0 {
			writeAPIError(w, f.failStatus, f.failReason, "forced failure")
			return
		}
		m, ok := f.messages[r.PathValue("id")]
		if !ok {
			writeAPIError(w, http.StatusNotFound, "notFound", "Requested entity was not found.")
			return
		}
		writeJSON(w, http.StatusOK, f.messageJSON(m))
	})
	mux.HandleFunc("GET "+base+"/threads/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var ids []string
		for id, m := range f.messages {
			if m.ThreadID == r.PathValue("id") {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			writeAPIError(w, http.StatusNotFound, "notFound", "Requested entity was not found.")
			return
		}
		sort.Sort(sort.Reverse(sort.StringSlice(ids)))
		messages := make([]map[string]interface{}, 0, len(ids))
		for _, id := range ids {
			messages = append(messages, f.messageJSON(f.messages[id]))
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"id": r.PathValue("id"), "messages": messages})
	})
	mux.HandleFunc("POST "+base+"/messages/{id}/modify", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			AddLabelIds    []string `json:"addLabelIds"`
			RemoveLabelIds []string `json:"removeLabelIds"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		defer f.mu.Unlock()
		m, ok := f.messages[r.PathValue("id")]
		if !ok {
			writeAPIError(w, http.StatusNotFound, "notFound", "Requested entity was not found.")
			return
		}
		var kept []string
		for _, l := range m.Labels {
			if !contains(req.RemoveLabelIds, l) {
				kept = append(kept, l)
			}
		}
		for _, l := range req.AddLabelIds {
			if !contains(kept, l) {
				kept = append(kept, l)
			}
		}
		m.Labels = kept
		writeJSON(w, http.StatusOK, map[string]interface{}{"id": m.ID, "labelIds": m.Labels})
	})
	mux.HandleFunc("POST "+base+"/messages/{id}/trash", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		m := f.messages[r.PathValue("id")]
		m.Labels = []string{"TRASH"}
		writeJSON(w, http.StatusOK, map[string]interface{}{"id": m.ID})
	})
	mux.HandleFunc("GET "+base+"/messages/{id}/attachments/{att}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"data": b64("pdf"), "size": 3})
	})
	mux.HandleFunc("POST "+base+"/messages/send", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Raw      string `json:"raw"`
			ThreadID string `json:"threadId"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		raw, _ := base64.URLEncoding.DecodeString(req.Raw)
		f.mu.Lock()
		f.sentRaw = string(raw)
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]interface{}{"id": "sent-1", "threadId": "thread-sent"})
	})
	mux.HandleFunc("GET "+base+"/labels", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var labels []map[string]interface{}
		for id, name := range f.labels {
			kind := "system"
			if strings.HasPrefix(id, "Label_") {
				kind = "user"
			}
			labels = append(labels, map[string]interface{}{"id": id, "name": name, "type": kind})
		}
		sort.Slice(labels, func(i, j int) bool { return labels[i]["id"].(string) < labels[j]["id"].(string) })
		writeJSON(w, http.StatusOK, map[string]interface{}{"labels": labels})
	})
	mux.HandleFunc("GET "+base+"/labels/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.labelGets++
		id := r.PathValue("id")
		name, ok := f.labels[id]
		if !ok {
			writeAPIError(w, http.StatusNotFound, "notFound", "label not found")
			return
		}
		var total, unread int
		for _, m := range f.messages {
			if contains(m.Labels, id) {
				total++
				if contains(m.Labels, "UNREAD") {
					unread++
				}
			}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "name": name, "messagesTotal": total, "messagesUnread": unread})
	})
	mux.HandleFunc("POST "+base+"/labels", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name string `json:"name"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, name := range f.labels {
			if name == req.Name {
				writeAPIError(w, http.StatusConflict, "duplicate", "Label name exists or conflicts")
				return
			}
		}
		id := fmt.Sprintf("Label_%d", len(f.labels)+100)
		f.labels[id] = req.Name
		writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "name": req.Name, "type": "user"})
	})
	mux.HandleFunc("POST "+base+"/watch", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.watchCalls++
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"historyId":  "1000",
			"expiration": fmt.Sprintf("%d", time.Date(2024, 6, 8, 12, 0, 0, 0, time.UTC).UnixMilli()),
		})
	})
	mux.HandleFunc("POST "+base+"/stop", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.stopCalls++
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET "+base+"/profile", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"emailAddress": "Alice@Example.com", "historyId": "1000"})
	})
	mux.HandleFunc("GET "+base+"/history", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("startHistoryId") == "1" {
			writeAPIError(w, http.StatusNotFound, "notFound", "Requested entity was not found.")
			return
		}
		if r.URL.Query().Get("pageToken") == "" {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"history": []map[string]interface{}{
					{"id": "1001", "messagesAdded": []map[string]interface{}{{"message": map[string]string{"id": "m1", "threadId": "t1"}}}},
					{"id": "1002", "labelsAdded": []map[string]interface{}{{"message": map[string]string{"id": "m1", "threadId": "t1"}, "labelIds": []string{"STARRED"}}}},
				},
				"historyId":     "1002",
				"nextPageToken": "h2",
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"history": []map[string]interface{}{
				{"id": "1003", "messagesAdded": []map[string]interface{}{{"message": map[string]string{"id": "m1", "threadId": "t1"}}}},
				{"id": "1004", "messagesDeleted": []map[string]interface{}{{"message": map[string]string{"id": "m2", "threadId": "t2"}}}},
			},
			"historyId": "1004",
		})
	})
	return mux
}

func contains(list []string, item string) bool {
	for _, s := range list {
		if s == item {
			return true
		}
	}
	return false
}

func testLogger() logger.Logger {
	appLogger := logger.NewAppLogger(&logger.Config{DevMode: true})
	appLogger.InitLogger()
	return appLogger
}

func newTestAdapter(t *testing.T, fake *fakeGmail) (*Backend, *Adapter) {
	t.Helper()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	backend := NewBackend(&config.GoogleConfig{
		PubSubTopic: "projects/p/topics/gmail-push",
		PushToken:   "push-token",
	}, testLogger(), WithHTTPClient(srv.Client()), WithEndpoint(srv.URL+"/"))

	adapter := backend.Bind(interfaces.CredentialLease{
		AccountID:   "acct-g",
		AccessToken: "access-123",
		ExpiresAt:   time.Now().Add(time.Hour),
	}).(*Adapter)
	return backend, adapter
}
