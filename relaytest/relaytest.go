// Package relaytest is a reference double of the remote message service:
// gorilla/mux routing plus redis persistence covering the service client
// and streaming transport surface, so integration tests (and `librelay
// serve`) have something to dial. It is a test collaborator, not
// production service code.
package relaytest

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/forsta-im/librelay-go/envelope"
	"github.com/forsta-im/librelay-go/relayerrors"
	"github.com/forsta-im/librelay-go/signalservice"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	keyKeySet       = "relaytest:keyset:%s"
	keyDevices      = "relaytest:devices:%s"
	keySignalingKey = "relaytest:signalingkey:%s"
	keyQueue        = "relaytest:queue:%s"
)

// Server is an in-process stand-in for the remote message service: it
// answers the same REST surface signalservice.Client calls and pushes
// envelopes over the same streaming transport contract transport.Transport
// expects, backed by redis instead of a real device-key directory.
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc

	redis  *redis.Client
	logger *logrus.Logger
	router *mux.Router

	mu       sync.Mutex
	sockets  map[string]*websocket.Conn // keyed by "<userID>.<deviceID>"
	upgrader websocket.Upgrader
}

// New builds a Server wired to redisClient. Call Router to obtain an
// http.Handler to serve.
func New(ctx context.Context, redisClient *redis.Client, logger *logrus.Logger) *Server {
	ctx, cancel := context.WithCancel(ctx)
	s := &Server{
		ctx:     ctx,
		cancel:  cancel,
		redis:   redisClient,
		logger:  logger,
		sockets: make(map[string]*websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.router = mux.NewRouter()
	s.router.HandleFunc("/v2/keys", s.handleRegisterKeys).Methods(http.MethodPut)
	s.router.HandleFunc("/v2/keys/generate", s.handleGenerateKeys).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/keys/{addr}/{device}", s.handleGetKeys).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/messages/{addr}", s.handleSendMessages).Methods(http.MethodPut)
	s.router.HandleFunc("/v1/messages", s.handleDrain).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/messages/{source}/{timestamp}", s.handleAck).Methods(http.MethodDelete)
	s.router.HandleFunc("/v1/devices", s.handleGetDevices).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/websocket/", s.handleWebsocket).Methods(http.MethodGet)
	return s
}

// Router returns the http.Handler to mount (directly, or under httptest.NewServer).
func (s *Server) Router() http.Handler { return s.router }

// Close terminates every connected socket and the redis client.
func (s *Server) Close() {
	s.cancel()
	s.mu.Lock()
	for _, c := range s.sockets {
		_ = c.Close()
	}
	s.mu.Unlock()
}

func (s *Server) handleRegisterKeys(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := r.BasicAuth()
	if !ok {
		http.Error(w, "missing credentials", http.StatusUnauthorized)
		return
	}
	var keys signalservice.KeySet
	if err := json.NewDecoder(r.Body).Decode(&keys); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	data, err := json.Marshal(keys)
	if err != nil {
		http.Error(w, "encode error", http.StatusInternalServerError)
		return
	}
	if err := s.redis.Set(s.ctx, fmt.Sprintf(keyKeySet, userID), data, 0).Err(); err != nil {
		s.logger.WithError(err).Error("relaytest: store keyset")
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	s.redis.SAdd(s.ctx, fmt.Sprintf(keyDevices, userID), 1)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGenerateKeys(w http.ResponseWriter, r *http.Request) {
	count := 100
	if c := r.URL.Query().Get("count"); c != "" {
		if n, err := strconv.Atoi(c); err == nil {
			count = n
		}
	}
	keys := signalservice.KeySet{
		IdentityKey:     randomBytes(32),
		SignedPreKey:    randomBytes(32),
		SignedPreKeySig: randomBytes(64),
		RegistrationID:  binary.BigEndian.Uint32(randomBytes(4)),
	}
	for i := 0; i < count; i++ {
		keys.PreKeys = append(keys.PreKeys, randomBytes(32))
	}
	writeJSON(w, http.StatusOK, keys)
}

func (s *Server) handleGetKeys(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	addr := vars["addr"]

	data, err := s.redis.Get(s.ctx, fmt.Sprintf(keyKeySet, addr)).Bytes()
	if err == redis.Nil {
		writeJSON(w, http.StatusNotFound, &relayerrors.UnregisteredUserError{})
		return
	}
	if err != nil {
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	var keys signalservice.KeySet
	if err := json.Unmarshal(data, &keys); err != nil {
		http.Error(w, "decode error", http.StatusInternalServerError)
		return
	}

	resp := signalservice.KeysResponse{
		IdentityKey: keys.IdentityKey,
		Devices: []signalservice.DeviceEntry{{
			DeviceID:        1,
			RegistrationID:  keys.RegistrationID,
			SignedPreKey:    keys.SignedPreKey,
			SignedPreKeySig: keys.SignedPreKeySig,
			IdentityKey:     keys.IdentityKey,
			PreKey:          popOneTimePreKey(&keys),
		}},
	}
	if len(keys.PreKeys) > 0 || resp.Devices[0].PreKey != nil {
		data, _ := json.Marshal(keys)
		s.redis.Set(s.ctx, fmt.Sprintf(keyKeySet, addr), data, 0)
	}
	writeJSON(w, http.StatusOK, resp)
}

func popOneTimePreKey(keys *signalservice.KeySet) []byte {
	if len(keys.PreKeys) == 0 {
		return nil
	}
	pk := keys.PreKeys[0]
	keys.PreKeys = keys.PreKeys[1:]
	return pk
}

func (s *Server) handleSendMessages(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	addr := vars["addr"]
	sender, _, ok := r.BasicAuth()
	if !ok {
		http.Error(w, "missing credentials", http.StatusUnauthorized)
		return
	}

	var body struct {
		Messages  []signalservice.PerDeviceCiphertext `json:"messages"`
		Timestamp uint64                              `json:"timestamp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	known, err := s.redis.SMembers(s.ctx, fmt.Sprintf(keyDevices, addr)).Result()
	if err != nil {
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	if len(known) == 0 {
		writeJSON(w, http.StatusNotFound, &relayerrors.UnregisteredUserError{})
		return
	}

	knownSet := make(map[int]bool, len(known))
	for _, m := range known {
		if id, err := strconv.Atoi(m); err == nil {
			knownSet[id] = true
		}
	}
	sentSet := make(map[int]bool, len(body.Messages))
	for _, m := range body.Messages {
		sentSet[m.DestinationDeviceID] = true
	}

	var extra, missing []int
	for id := range sentSet {
		if !knownSet[id] {
			extra = append(extra, id)
		}
	}
	for id := range knownSet {
		if !sentSet[id] {
			missing = append(missing, id)
		}
	}
	if len(extra) > 0 || len(missing) > 0 {
		writeJSON(w, http.StatusConflict, relayerrors.MismatchedDevicesResponse{ExtraDevices: extra, MissingDevices: missing})
		return
	}

	for _, m := range body.Messages {
		s.deliverOne(sender, addr, m, body.Timestamp)
	}
	w.WriteHeader(http.StatusOK)
}

// deliverOne pushes one per-device ciphertext to a connected socket, or
// queues it in redis for later drain/fetch when the device is offline. The
// double only models primary-device senders, so SourceDevice is fixed at 1.
func (s *Server) deliverOne(sender, destAddr string, msg signalservice.PerDeviceCiphertext, timestamp uint64) {
	env := envelope.Envelope{
		Type:         envelope.Type(msg.Type),
		Source:       sender,
		SourceDevice: 1,
		Timestamp:    timestamp,
	}
	content, err := base64.StdEncoding.DecodeString(msg.Content)
	if err != nil {
		s.logger.WithError(err).Error("relaytest: decode ciphertext")
		return
	}
	env.Content = content

	sockKey := fmt.Sprintf("%s.%d", destAddr, msg.DestinationDeviceID)
	s.mu.Lock()
	conn, online := s.sockets[sockKey]
	s.mu.Unlock()

	envJSON, err := json.Marshal(env)
	if err != nil {
		s.logger.WithError(err).Error("relaytest: marshal envelope")
		return
	}

	if online {
		s.pushEnvelope(conn, destAddr, envJSON)
		return
	}
	s.redis.RPush(s.ctx, fmt.Sprintf(keyQueue, sockKey), envJSON)
}

func (s *Server) pushEnvelope(conn *websocket.Conn, destAddr string, envJSON []byte) {
	sigKey, err := s.redis.Get(s.ctx, fmt.Sprintf(keySignalingKey, destAddr)).Bytes()
	if err != nil {
		s.logger.WithError(err).Warn("relaytest: no signaling key on file, dropping push")
		return
	}
	frame, err := envelope.EncryptFrame(sigKey, envJSON)
	if err != nil {
		s.logger.WithError(err).Error("relaytest: encrypt frame")
		return
	}
	body, _ := json.Marshal(struct {
		Verb string `json:"verb"`
		Path string `json:"path"`
		Body []byte `json:"body"`
	}{Verb: http.MethodPut, Path: "/api/v1/message", Body: frame})

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
		s.logger.WithError(err).Error("relaytest: push envelope")
	}
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := r.BasicAuth()
	if !ok {
		http.Error(w, "missing credentials", http.StatusUnauthorized)
		return
	}
	sockKey := fmt.Sprintf("%s.1", userID)
	raw, err := s.redis.LRange(s.ctx, fmt.Sprintf(keyQueue, sockKey), 0, 99).Result()
	if err != nil {
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	messages := make([]json.RawMessage, 0, len(raw))
	for _, m := range raw {
		messages = append(messages, json.RawMessage(m))
	}
	writeJSON(w, http.StatusOK, struct {
		Messages []json.RawMessage `json:"messages"`
		More     bool              `json:"more"`
	}{Messages: messages, More: false})
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := r.BasicAuth()
	if !ok {
		http.Error(w, "missing credentials", http.StatusUnauthorized)
		return
	}
	sockKey := fmt.Sprintf("%s.1", userID)
	s.redis.LPop(s.ctx, fmt.Sprintf(keyQueue, sockKey))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGetDevices(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := r.BasicAuth()
	if !ok {
		http.Error(w, "missing credentials", http.StatusUnauthorized)
		return
	}
	members, err := s.redis.SMembers(s.ctx, fmt.Sprintf(keyDevices, userID)).Result()
	if err != nil {
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	ids := make([]int, 0, len(members))
	for _, m := range members {
		if id, err := strconv.Atoi(m); err == nil {
			ids = append(ids, id)
		}
	}
	writeJSON(w, http.StatusOK, struct {
		DeviceIDs []int `json:"deviceIds"`
	}{DeviceIDs: ids})
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	login := r.URL.Query().Get("login")
	if login == "" {
		http.Error(w, "missing login", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Error("relaytest: websocket upgrade")
		return
	}
	sockKey := login + ".1"

	s.mu.Lock()
	s.sockets[sockKey] = conn
	s.mu.Unlock()

	s.flushQueue(conn, login, sockKey)

	defer func() {
		s.mu.Lock()
		delete(s.sockets, sockKey)
		s.mu.Unlock()
		_ = conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) flushQueue(conn *websocket.Conn, userID, sockKey string) {
	raw, err := s.redis.LRange(s.ctx, fmt.Sprintf(keyQueue, sockKey), 0, -1).Result()
	if err != nil {
		return
	}
	for _, envJSON := range raw {
		s.pushEnvelope(conn, userID, []byte(envJSON))
	}
	s.redis.Del(s.ctx, fmt.Sprintf(keyQueue, sockKey))
}

// RegisterSignalingKey records the signaling key relaytest uses to wrap
// pushed envelopes for userID. Test setup calls this once per account
// after provisioning, in place of a real signaling-key exchange.
func (s *Server) RegisterSignalingKey(userID string, key []byte) error {
	return s.redis.Set(s.ctx, fmt.Sprintf(keySignalingKey, userID), key, 0).Err()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}
