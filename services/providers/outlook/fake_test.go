package outlook

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/customeros/mailbridge/config"
	"github.com/customeros/mailbridge/interfaces"
	"github.com/customeros/mailbridge/internal/logger"
)

type fakeMessage struct {
	ID             string
	ConversationID string
	FolderID       string
	Received       time.Time
	From           string
	Subject        string
	HTML           string
	IsRead         bool
	Attachment     *graphAttachment
}

type fakeFolder struct {
	ID        string
	Name      string
	ParentID  string
	WellKnown string
}

// fakeGraph serves the subset of Microsoft Graph the adapter uses.
type fakeGraph struct {
	mu            sync.Mutex
	base          string
	messages      map[string]*fakeMessage
	folders       []*fakeFolder
	subscriptions map[string]*graphSubscription
	sent          []map[string]interface{}
	replies       map[string]int
	lastQuery     url.Values
	preferHeaders []string
	failStatus    int
	failCode      string
	retryAfter    string
	subCounter    int
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{
		messages: map[string]*fakeMessage{},
		folders: []*fakeFolder{
			{ID: "AAMkInbox", Name: "Inbox", WellKnown: "inbox"},
			{ID: "AAMkArchive", Name: "Archive", WellKnown: "archive"},
			{ID: "AAMkSent", Name: "Sent Items", WellKnown: "sentitems"},
			{ID: "AAMkProjects", Name: "Projects"},
			{ID: "AAMkClients", Name: "Clients", ParentID: "AAMkProjects"},
		},
		subscriptions: map[string]*graphSubscription{},
		replies:       map[string]int{},
	}
}

func (f *fakeGraph) addMessage(m *fakeMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[m.ID] = m
}

func (f *fakeGraph) fail(status int, code, retryAfter string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failStatus, f.failCode, f.retryAfter = status, code, retryAfter
}

func (f *fakeGraph) read(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn()
}

func (f *fakeGraph) folderID(ref string) (string, bool) {
	for _, folder := range f.folders {
		if folder.ID == ref || (folder.WellKnown != "" && strings.EqualFold(folder.WellKnown, ref)) {
			return folder.ID, true
		}
	}
	return "", false
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeGraphError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{"code": code, "message": message},
	})
}

func (f *fakeGraph) messageJSON(m *fakeMessage) graphMessage {
	received := m.Received
	out := graphMessage{
		ID:               m.ID,
		ConversationID:   m.ConversationID,
		Subject:          m.Subject,
		From:             &graphRecipient{EmailAddress: graphEmailAddress{Address: m.From}},
		ToRecipients:     []graphRecipient{{EmailAddress: graphEmailAddress{Name: "Bob", Address: "bob@example.com"}}},
		Body:             &graphBody{ContentType: "html", Content: m.HTML},
		ReceivedDateTime: &received,
		IsRead:           m.IsRead,
		ParentFolderID:   m.FolderID,
	}
	if m.Attachment != nil {
		out.HasAttachments = true
		out.Attachments = []graphAttachment{{
			ID: m.Attachment.ID, Name: m.Attachment.Name, ContentType: m.Attachment.ContentType, Size: m.Attachment.Size,
		}}
	}
	return out
}

func (f *fakeGraph) sortedMessages(folderID string) []*fakeMessage {
	var list []*fakeMessage
	for _, m := range f.messages {
		if folderID == "" || m.FolderID == folderID {
			list = append(list, m)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].Received.Equal(list[j].Received) {
			return list[i].Received.After(list[j].Received)
		}
		return list[i].ID < list[j].ID
	})
	return list
}

func (f *fakeGraph) page(w http.ResponseWriter, r *http.Request, list []*fakeMessage) {
	top, _ := strconv.Atoi(r.URL.Query().Get("$top"))
	if top <= 0 {
		top = 10
	}
	skip, _ := strconv.Atoi(r.URL.Query().Get("$skip"))
	end := skip + top
	if end > len(list) {
		end = len(list)
	}
	body := graphList[graphMessage]{Value: []graphMessage{}}
	for _, m := range list[skip:end] {
		body.Value = append(body.Value, f.messageJSON(m))
	}
	if end < len(list) {
		next := url.Values{"$top": {strconv.Itoa(top)}, "$skip": {strconv.Itoa(end)}}
		body.NextLink = f.base + r.URL.Path + "?" + next.Encode()
	}
	writeJSON(w, http.StatusOK, body)
}

func (f *fakeGraph) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1.0/me/messages", func(w http.ResponseWriter, r *http.Request) {
		f.lastQuery = r.URL.Query()
		list := f.sortedMessages("")
		if filter := r.URL.Query().Get("$filter"); strings.HasPrefix(filter, "conversationId eq ") {
			id := strings.Trim(strings.TrimPrefix(filter, "conversationId eq "), "'")
			var thread []*fakeMessage
			for _, m := range list {
				if m.ConversationID == id {
					thread = append(thread, m)
				}
			}
			list = thread
		}
		f.page(w, r, list)
	})
	mux.HandleFunc("GET /v1.0/me/mailFolders/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		f.lastQuery = r.URL.Query()
		id, ok := f.folderID(r.PathValue("id"))
		if !ok {
			writeGraphError(w, http.StatusNotFound, "ErrorItemNotFound", "folder not found")
			return
		}
		f.page(w, r, f.sortedMessages(id))
	})
	mux.HandleFunc("GET /v1.0/me/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		m, ok := f.messages[r.PathValue("id")]
		if !ok {
			writeGraphError(w, http.StatusNotFound, "ErrorItemNotFound", "The specified object was not found in the store.")
			return
		}
		writeJSON(w, http.StatusOK, f.messageJSON(m))
	})
	mux.HandleFunc("PATCH /v1.0/me/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		m, ok := f.messages[r.PathValue("id")]
		if !ok {
			writeGraphError(w, http.StatusNotFound, "ErrorItemNotFound", "not found")
			return
		}
		var body map[string]bool
		_ = json.NewDecoder(r.Body).Decode(&body)
		if read, ok := body["isRead"]; ok {
			m.IsRead = read
		}
		writeJSON(w, http.StatusOK, f.messageJSON(m))
	})
	mux.HandleFunc("DELETE /v1.0/me/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		if _, ok := f.messages[r.PathValue("id")]; !ok {
			writeGraphError(w, http.StatusNotFound, "ErrorItemNotFound", "not found")
			return
		}
		delete(f.messages, r.PathValue("id"))
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /v1.0/me/messages/{id}/move", func(w http.ResponseWriter, r *http.Request) {
		m, ok := f.messages[r.PathValue("id")]
		if !ok {
			writeGraphError(w, http.StatusNotFound, "ErrorItemNotFound", "not found")
			return
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		dest, ok := f.folderID(body["destinationId"])
		if !ok {
			writeGraphError(w, http.StatusBadRequest, "ErrorInvalidIdMalformed", "Id is malformed.")
			return
		}
		m.FolderID = dest
		writeJSON(w, http.StatusCreated, f.messageJSON(m))
	})
	mux.HandleFunc("POST /v1.0/me/messages/{id}/reply", func(w http.ResponseWriter, r *http.Request) {
		if _, ok := f.messages[r.PathValue("id")]; !ok {
			writeGraphError(w, http.StatusNotFound, "ErrorItemNotFound", "not found")
			return
		}
		f.replies[r.PathValue("id")]++
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("GET /v1.0/me/messages/{id}/attachments/{aid}", func(w http.ResponseWriter, r *http.Request) {
		m, ok := f.messages[r.PathValue("id")]
		if !ok || m.Attachment == nil || m.Attachment.ID != r.PathValue("aid") {
			writeGraphError(w, http.StatusNotFound, "ErrorItemNotFound", "not found")
			return
		}
		writeJSON(w, http.StatusOK, m.Attachment)
	})
	mux.HandleFunc("POST /v1.0/me/sendMail", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.sent = append(f.sent, body)
		w.WriteHeader(http.StatusAccepted)
	})

	folders := func(parent string) func(w http.ResponseWriter, r *http.Request) {
		return func(w http.ResponseWriter, r *http.Request) {
			parentID := parent
			if parent == "" && r.PathValue("id") != "" {
				parentID, _ = f.folderID(r.PathValue("id"))
			}
			body := graphList[graphFolder]{Value: []graphFolder{}}
			for _, folder := range f.folders {
				if folder.ParentID == parentID {
					body.Value = append(body.Value, f.folderJSON(folder))
				}
			}
			writeJSON(w, http.StatusOK, body)
		}
	}
	mux.HandleFunc("GET /v1.0/me/mailFolders", folders(""))
	mux.HandleFunc("GET /v1.0/me/mailFolders/{id}/childFolders", folders(""))
	create := func(w http.ResponseWriter, r *http.Request) {
		var body graphFolder
		_ = json.NewDecoder(r.Body).Decode(&body)
		parentID := ""
		if r.PathValue("id") != "" {
			parentID, _ = f.folderID(r.PathValue("id"))
		}
		for _, folder := range f.folders {
			if folder.ParentID == parentID && strings.EqualFold(folder.Name, body.DisplayName) {
				writeGraphError(w, http.StatusConflict, "ErrorFolderExists", "A folder with the specified name already exists.")
				return
			}
		}
		folder := &fakeFolder{ID: "AAMk" + body.DisplayName, Name: body.DisplayName, ParentID: parentID}
		f.folders = append(f.folders, folder)
		writeJSON(w, http.StatusCreated, f.folderJSON(folder))
	}
	mux.HandleFunc("POST /v1.0/me/mailFolders", create)
	mux.HandleFunc("POST /v1.0/me/mailFolders/{id}/childFolders", create)
	mux.HandleFunc("PATCH /v1.0/me/mailFolders/{id}", func(w http.ResponseWriter, r *http.Request) {
		var body graphFolder
		_ = json.NewDecoder(r.Body).Decode(&body)
		for _, folder := range f.folders {
			if folder.ID == r.PathValue("id") {
				folder.Name = body.DisplayName
				writeJSON(w, http.StatusOK, f.folderJSON(folder))
				return
			}
		}
		writeGraphError(w, http.StatusNotFound, "ErrorItemNotFound", "not found")
	})
	mux.HandleFunc("POST /v1.0/me/mailFolders/{id}/move", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		dest, _ := f.folderID(body["destinationId"])
		for _, folder := range f.folders {
			if folder.ID == r.PathValue("id") {
				folder.ParentID = dest
				writeJSON(w, http.StatusCreated, f.folderJSON(folder))
				return
			}
		}
		writeGraphError(w, http.StatusNotFound, "ErrorItemNotFound", "not found")
	})
	mux.HandleFunc("DELETE /v1.0/me/mailFolders/{id}", func(w http.ResponseWriter, r *http.Request) {
		for i, folder := range f.folders {
			if folder.ID == r.PathValue("id") {
				f.folders = append(f.folders[:i], f.folders[i+1:]...)
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		writeGraphError(w, http.StatusNotFound, "ErrorItemNotFound", "not found")
	})

	mux.HandleFunc("POST /v1.0/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		var body graphSubscription
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.ClientState == "" || body.ChangeType == "" {
			writeGraphError(w, http.StatusBadRequest, "InvalidRequest", "missing fields")
			return
		}
		f.subCounter++
		body.ID = fmt.Sprintf("sub-%d", f.subCounter)
		// graph caps the requested expiry
		if limit := time.Now().Add(MaxSubscriptionLifetime); body.ExpirationDateTime.After(limit) {
			body.ExpirationDateTime = limit
		}
		f.subscriptions[body.ID] = &body
		writeJSON(w, http.StatusCreated, body)
	})
	mux.HandleFunc("PATCH /v1.0/subscriptions/{id}", func(w http.ResponseWriter, r *http.Request) {
		sub, ok := f.subscriptions[r.PathValue("id")]
		if !ok {
			writeGraphError(w, http.StatusNotFound, "ResourceNotFound", "subscription not found")
			return
		}
		var body graphSubscription
		_ = json.NewDecoder(r.Body).Decode(&body)
		sub.ExpirationDateTime = body.ExpirationDateTime
		writeJSON(w, http.StatusOK, sub)
	})
	mux.HandleFunc("DELETE /v1.0/subscriptions/{id}", func(w http.ResponseWriter, r *http.Request) {
		if _, ok := f.subscriptions[r.PathValue("id")]; !ok {
			writeGraphError(w, http.StatusNotFound, "ResourceNotFound", "subscription not found")
			return
		}
		delete(f.subscriptions, r.PathValue("id"))
		w.WriteHeader(http.StatusNoContent)
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.preferHeaders = append(f.preferHeaders, r.Header.Get("Prefer"))
		if r.Header.Get("Authorization") != "Bearer access-456" {
			writeGraphError(w, http.StatusUnauthorized, "InvalidAuthenticationToken", "Access token is empty.")
			return
		}
		if f.failStatus != 0 {
			if f.retryAfter != "" {
				w.Header().Set("Retry-After", f.retryAfter)
			}
			writeGraphError(w, f.failStatus, f.failCode, "injected failure")
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func (f *fakeGraph) folderJSON(folder *fakeFolder) graphFolder {
	out := graphFolder{ID: folder.ID, DisplayName: folder.Name, ParentFolderID: folder.ParentID}
	for _, other := range f.folders {
		if other.ParentID == folder.ID {
			out.ChildFolderCount++
		}
	}
	for _, m := range f.messages {
		if m.FolderID == folder.ID {
			out.TotalItemCount++
			if !m.IsRead {
				out.UnreadItemCount++
			}
		}
	}
	return out
}

func testLogger() logger.Logger {
	appLogger := logger.NewAppLogger(&logger.Config{DevMode: true})
	appLogger.InitLogger()
	return appLogger
}

func newTestAdapter(t *testing.T, fake *fakeGraph) (*Backend, *Adapter) {
	t.Helper()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	fake.base = srv.URL

	backend := NewBackend(&config.MicrosoftConfig{RequestsPerSecond: 1000},
		testLogger(), WithHTTPClient(srv.Client()), WithBaseURL(srv.URL+"/v1.0"))

	adapter := backend.Bind(interfaces.CredentialLease{
		AccountID:   "acct-o",
		AccessToken: "access-456",
		ExpiresAt:   time.Now().Add(time.Hour),
	}).(*Adapter)
	return backend, adapter
}
