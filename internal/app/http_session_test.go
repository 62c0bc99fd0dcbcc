package app

import (
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"docflow/api/internal/events"
)

func dialSession(t *testing.T, baseURL, documentID, userID string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(baseURL, "http") + "/api/documents/" + documentID + "/session"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+tokenFor(t, userID))
	return websocket.DefaultDialer.Dial(url, header)
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var frame map[string]any
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return frame
}

func readUntil(t *testing.T, conn *websocket.Conn, frameType string) map[string]any {
	t.Helper()
	for i := 0; i < 20; i++ {
		frame := readFrame(t, conn)
		if frame["type"] == frameType {
			return frame
		}
	}
	t.Fatalf("no %s frame received", frameType)
	return nil
}

func TestSessionWebSocketBroadcastsEdits(t *testing.T) {
	server, services := newTestServer(t)
	docID, _ := createDocument(t, server, "avery", "hello")
	rr, _ := do(t, server, "avery", http.MethodPost, "/api/permissions", map[string]any{
		"resourceType":  "document",
		"resourceId":    docID,
		"subjectUserId": "blake",
		"level":         "view",
	})
	expectStatus(t, rr, http.StatusCreated)

	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	writer, _, err := dialSession(t, ts.URL, docID, "avery")
	if err != nil {
		t.Fatalf("dial writer: %v", err)
	}
	defer writer.Close()
	snapshot := readUntil(t, writer, "snapshot")
	if snap := snapshot["snapshot"].(map[string]any); snap["content"] != "hello" {
		t.Fatalf("unexpected snapshot %v", snap)
	}

	watcher, _, err := dialSession(t, ts.URL, docID, "blake")
	if err != nil {
		t.Fatalf("dial watcher: %v", err)
	}
	defer watcher.Close()
	readUntil(t, watcher, "snapshot")
	readUntil(t, writer, events.PresenceJoined)

	if err := writer.WriteJSON(map[string]any{"type": "edit", "id": "e1", "delta": map[string]any{"offset": 5, "insert": "!"}}); err != nil {
		t.Fatalf("WriteJSON(edit) error = %v", err)
	}
	ack := readUntil(t, writer, "ack")
	if ack["id"] != "e1" {
		t.Fatalf("unexpected ack %v", ack)
	}
	applied := readUntil(t, watcher, events.EditApplied)
	if applied["actor"] != "avery" || applied["seq"] == nil {
		t.Fatalf("unexpected event %v", applied)
	}

	if err := watcher.WriteJSON(map[string]any{"type": "edit", "id": "e2", "delta": map[string]any{"offset": 0, "insert": "x"}}); err != nil {
		t.Fatalf("WriteJSON(viewer edit) error = %v", err)
	}
	denied := readUntil(t, watcher, "error")
	if denied["code"] != "FORBIDDEN" || denied["id"] != "e2" {
		t.Fatalf("unexpected error frame %v", denied)
	}

	rr, payload := do(t, server, "avery", http.MethodPost, "/api/documents/"+docID+"/flush", nil)
	expectStatus(t, rr, http.StatusOK)
	version, _ := payload["version"].(map[string]any)
	if version == nil || version["version"] != float64(2) {
		t.Fatalf("expected flush to commit version 2, got %v", payload)
	}
	committed := readUntil(t, watcher, events.EditCommitted)
	var ev events.Event
	raw, _ := json.Marshal(committed)
	if err := json.Unmarshal(raw, &ev); err != nil || ev.DocumentID != docID {
		t.Fatalf("unexpected committed event %v (%v)", committed, err)
	}

	if services.Collab.Sessions(docID) != 2 {
		t.Fatalf("expected 2 sessions, got %d", services.Collab.Sessions(docID))
	}
}

func TestSessionWebSocketRequiresView(t *testing.T) {
	server, _ := newTestServer(t)
	docID, _ := createDocument(t, server, "avery", "hello")
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	_, resp, err := dialSession(t, ts.URL, docID, "stranger")
	if err == nil {
		t.Fatalf("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 handshake response, got %+v", resp)
	}
}

func TestSessionWebSocketAcceptsQueryToken(t *testing.T) {
	server, _ := newTestServer(t)
	docID, _ := createDocument(t, server, "avery", "hello")
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/documents/" + docID + "/session?access_token=" + tokenFor(t, "avery")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	readUntil(t, conn, "snapshot")

	if err := conn.WriteJSON(map[string]any{"type": "bogus", "id": "b1"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	frame := readUntil(t, conn, "error")
	if frame["code"] != "VALIDATION_ERROR" {
		t.Fatalf("unexpected frame %v", frame)
	}
}

func TestSessionWebSocketRejectsOversizedDeleteAndCleansUp(t *testing.T) {
	server, services := newTestServer(t)
	docID, _ := createDocument(t, server, "avery", "hello")
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	conn, _, err := dialSession(t, ts.URL, docID, "avery")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	readUntil(t, conn, "snapshot")

	if err := conn.WriteJSON(map[string]any{"type": "edit", "id": "e1", "delta": map[string]any{"offset": 5, "insert": "!"}}); err != nil {
		t.Fatalf("WriteJSON(edit) error = %v", err)
	}
	readUntil(t, conn, "ack")
	if err := conn.WriteJSON(map[string]any{"type": "edit", "id": "e2", "delta": map[string]any{"offset": 1, "delete": math.MaxInt64}}); err != nil {
		t.Fatalf("WriteJSON(oversized edit) error = %v", err)
	}
	frame := readUntil(t, conn, "error")
	if frame["code"] != "VALIDATION_ERROR" || frame["id"] != "e2" {
		t.Fatalf("unexpected frame %v", frame)
	}
	_ = conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for services.Collab.Sessions(docID) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session not released after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
	rr, payload := do(t, server, "avery", http.MethodGet, "/api/documents/"+docID+"/versions", nil)
	expectStatus(t, rr, http.StatusOK)
	items, _ := payload["versions"].([]any)
	if len(items) != 2 {
		t.Fatalf("expected last close to commit pending edit, got %v", payload)
	}
}

func TestSessionWebSocketSignalsConflictingRestCommit(t *testing.T) {
	server, _ := newTestServer(t)
	docID, _ := createDocument(t, server, "avery", "hello")
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	conn, _, err := dialSession(t, ts.URL, docID, "avery")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	readUntil(t, conn, "snapshot")
	if err := conn.WriteJSON(map[string]any{"type": "edit", "id": "e1", "delta": map[string]any{"offset": 5, "insert": "!"}}); err != nil {
		t.Fatalf("WriteJSON(edit) error = %v", err)
	}
	readUntil(t, conn, "ack")

	rr, _ := do(t, server, "avery", http.MethodPost, "/api/documents/"+docID+"/versions", map[string]any{
		"parentVersion": 1,
		"content":       "rewritten elsewhere",
	})
	expectStatus(t, rr, http.StatusCreated)
	conflict := readUntil(t, conn, events.EditConflict)
	if conflict["documentId"] != docID {
		t.Fatalf("unexpected conflict event %v", conflict)
	}

	rr, payload := do(t, server, "avery", http.MethodPost, "/api/documents/"+docID+"/flush", nil)
	expectStatus(t, rr, http.StatusConflict)
	if details, _ := payload["details"].(map[string]any); details["headVersion"] != float64(2) {
		t.Fatalf("unexpected flush conflict %v", payload)
	}

	if err := conn.WriteJSON(map[string]any{"type": "edit", "id": "e2", "delta": map[string]any{"offset": 0, "insert": "x"}}); err != nil {
		t.Fatalf("WriteJSON(edit) error = %v", err)
	}
	rejected := readUntil(t, conn, "error")
	if rejected["code"] != "CONFLICT" || rejected["id"] != "e2" {
		t.Fatalf("unexpected frame %v", rejected)
	}

	if err := conn.WriteJSON(map[string]any{"type": "rebase", "id": "r1", "baseVersion": 2, "content": "rewritten elsewhere!"}); err != nil {
		t.Fatalf("WriteJSON(rebase) error = %v", err)
	}
	ack := readUntil(t, conn, "ack")
	if ack["id"] != "r1" {
		t.Fatalf("unexpected ack %v", ack)
	}
	rr, payload = do(t, server, "avery", http.MethodPost, "/api/documents/"+docID+"/flush", nil)
	expectStatus(t, rr, http.StatusOK)
	if version, _ := payload["version"].(map[string]any); version == nil || version["version"] != float64(3) {
		t.Fatalf("expected rebased flush to commit version 3, got %v", payload)
	}
}
