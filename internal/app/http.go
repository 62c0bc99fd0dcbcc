package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"docflow/api/internal/auth"
	"docflow/api/internal/rbac"
)

type HTTPServer struct {
	services   *Services
	secret     []byte
	corsOrigin string
	logger     zerolog.Logger
	upgrader   websocket.Upgrader
	now        func() time.Time
	// X-Forwarded-For is only read when the peer is inside one of these
	trustedProxies []netip.Prefix
}

func NewHTTPServer(services *Services, jwtSecret, corsOrigin string, logger zerolog.Logger) *HTTPServer {
	return &HTTPServer{
		services:   services,
		secret:     []byte(jwtSecret),
		corsOrigin: corsOrigin,
		logger:     logger.With().Str("component", "http").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// WithTrustedProxies sets the proxies allowed to report a client address in
// X-Forwarded-For.
func (s *HTTPServer) WithTrustedProxies(prefixes []netip.Prefix) *HTTPServer {
	s.trustedProxies = prefixes
	return s
}

// Caller is the authenticated user of a request.
type Caller struct {
	UserID string
	Name   string
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.services.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}
	r = r.WithContext(rbac.WithRequestContext(r.Context(), s.requestContext(r)))

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[1] {
	case "session":
		if len(parts) == 2 && r.Method == http.MethodGet {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "userId": caller.UserID, "userName": caller.Name})
			return
		}
	case "permissions":
		if s.routePermissions(w, r, caller, parts) {
			return
		}
	case "folders":
		if s.routeFolders(w, r, caller, parts) {
			return
		}
	case "documents":
		if s.routeDocuments(w, r, caller, parts) {
			return
		}
	case "comments":
		if s.routeComments(w, r, caller, parts) {
			return
		}
	case "workflows":
		if s.routeWorkflows(w, r, caller, parts) {
			return
		}
	case "me":
		if len(parts) == 3 && parts[2] == "queue" && r.Method == http.MethodGet {
			items, err := s.services.Workflows.Queue(r.Context(), caller.UserID)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"items": items})
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) requireCaller(w http.ResponseWriter, r *http.Request) (Caller, bool) {
	token := bearerToken(r)
	if token == "" && websocket.IsWebSocketUpgrade(r) {
		token = strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Caller{}, false
	}
	claims, err := auth.ParseToken(s.secret, token)
	if err != nil {
		writeMappedError(w, err)
		return Caller{}, false
	}
	return Caller{UserID: claims.Subject, Name: claims.Name}, true
}

// requestContext captures what conditional grants are evaluated against.
func (s *HTTPServer) requestContext(r *http.Request) rbac.Context {
	return rbac.Context{
		IP:     s.clientIP(r),
		Time:   s.now(),
		Device: strings.ToLower(strings.TrimSpace(r.Header.Get("X-Device-Type"))),
	}
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", time.Since(started).Milliseconds()).
			Msg("request")
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the WebSocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Device-Type")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// clientIP is the peer address unless the peer is a trusted proxy. Behind
// proxies the X-Forwarded-For chain is walked from the right and the first
// untrusted hop wins.
func (s *HTTPServer) clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer, err := netip.ParseAddr(host)
	if err != nil || !s.trusted(peer) {
		return host
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			break
		}
		if !s.trusted(hop) {
			return hop.Unmap().String()
		}
		peer = hop
	}
	return peer.Unmap().String()
}

func (s *HTTPServer) trusted(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, prefix := range s.trustedProxies {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	return value, nil
}

func invalidBody(w http.ResponseWriter, err error) {
	writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
}
