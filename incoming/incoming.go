// Package incoming implements the receiver pipeline: the state machine that
// maintains the streaming transport connection, decrypts and routes
// envelopes, and heals from session faults.
package incoming

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/forsta-im/librelay-go/address"
	"github.com/forsta-im/librelay-go/envelope"
	"github.com/forsta-im/librelay-go/events"
	"github.com/forsta-im/librelay-go/outgoing"
	"github.com/forsta-im/librelay-go/queue"
	"github.com/forsta-im/librelay-go/relayerrors"
	"github.com/forsta-im/librelay-go/sessioncipher"
	"github.com/forsta-im/librelay-go/signalservice"
	"github.com/forsta-im/librelay-go/store"
	"github.com/forsta-im/librelay-go/transport"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Pipeline is the IncomingMessage receiver bound to one device's process
// state. It owns the reconnect loop, the streaming transport, and the
// single-writer envelope queue.
type Pipeline struct {
	Service      *signalservice.Client
	Store        store.Store
	OwnAddr      address.Address
	SignalingKey []byte
	OwnKeys      sessioncipher.OwnPreKeyBundle
	UseStream    bool
	Events       *events.Dispatcher
	Logger       *logrus.Logger

	mu       sync.Mutex
	conn     *transport.Transport
	started  bool
	closing  bool
	connWG   sync.WaitGroup
	envQueue *queue.Queue
}

// Connect is idempotent per instance until Close is called; calling it
// again while a connect is already in flight joins the in-flight attempt
// instead of starting a second reconnect loop.
func (p *Pipeline) Connect() {
	p.mu.Lock()
	if p.started || p.closing {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.envQueue = queue.New(context.Background(), 64)
	p.mu.Unlock()

	if !p.UseStream {
		return
	}

	p.connWG.Add(1)
	go p.reconnectLoop()
}

func (p *Pipeline) reconnectLoop() {
	defer p.connWG.Done()
	attempt := 0
	for {
		p.mu.Lock()
		if p.closing {
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		conn := &transport.Transport{
			URL:       p.Service.GetMessageWebSocketURL(),
			Keepalive: transport.DefaultKeepalive,
			Handler:   p.handleRequest,
			Logger:    p.Logger,
		}
		conn.OnClose(func(code int, reason string) { p.onSocketClose(code, reason) })
		conn.OnError(func(err error) { p.Events.Emit(events.Error, err) })

		if err := conn.Connect(); err != nil {
			p.Logger.WithError(err).Warn("incoming: transport connect failed, retrying")
			p.checkRegistration()
			attempt++
			time.Sleep(backoff(attempt))
			continue
		}

		p.mu.Lock()
		p.conn = conn
		p.mu.Unlock()
		return
	}
}

func backoff(attempt int) time.Duration {
	d := time.Duration(attempt) * time.Second
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

// checkRegistration probes the service with getDevices; a failure there
// means the account itself is unreachable, not just this connection
// attempt, so it is surfaced as a terminal error event.
func (p *Pipeline) checkRegistration() {
	if _, err := p.Service.GetDevices(); err != nil {
		p.Events.Emit(events.Error, fmt.Errorf("incoming: registration check failed: %w", err))
	}
}

func (p *Pipeline) onSocketClose(code int, reason string) {
	p.mu.Lock()
	closing := p.closing
	p.conn = nil
	p.mu.Unlock()
	if closing {
		return
	}
	p.checkRegistration()
	p.connWG.Add(1)
	go p.reconnectLoop()
}

// Close sets the closing flag and terminates the transport. Subsequent
// socket-close events are ignored.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closing = true
	conn := p.conn
	q := p.envQueue
	p.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	p.connWG.Wait()
	if q != nil {
		q.Close()
	}
}

// handleRequest dispatches one server-initiated request. Only GET
// /api/v1/queue/empty and PUT /api/v1/message are valid paths.
func (p *Pipeline) handleRequest(req transport.Request) {
	switch {
	case req.Verb == http.MethodGet && req.Path == "/api/v1/queue/empty":
		req.Respond(http.StatusOK, "OK")

	case req.Verb == http.MethodPut && req.Path == "/api/v1/message":
		plaintext, err := envelope.DecryptFrame(p.SignalingKey, req.Body)
		if err != nil {
			p.Events.Emit(events.Error, fmt.Errorf("incoming: decode message frame: %w", err))
			req.Respond(http.StatusInternalServerError, "invalid frame")
			return
		}
		env, err := envelope.Decode(plaintext)
		if err != nil {
			p.Events.Emit(events.Error, fmt.Errorf("incoming: decode envelope: %w", err))
			req.Respond(http.StatusInternalServerError, "invalid envelope")
			return
		}
		p.enqueueEnvelope(env, func() { req.Respond(http.StatusOK, "OK") })

	default:
		req.Respond(http.StatusNotFound, "unknown request")
	}
}

// enqueueEnvelope serializes handling through the single-writer queue. done
// runs after the envelope is fully handled, so the transport's 200 is only
// sent once session-state mutations and event emission have completed.
func (p *Pipeline) enqueueEnvelope(env *envelope.Envelope, done func()) {
	p.mu.Lock()
	q := p.envQueue
	p.mu.Unlock()
	if q == nil {
		if done != nil {
			done()
		}
		return
	}
	q.Push(func(ctx context.Context) {
		p.handleEnvelope(env, false)
		if done != nil {
			done()
		}
	})
}

// handleEnvelope runs the block-filter/dispatch/decrypt/decode/route
// sequence for one envelope. reentrant is set on the one permitted retry
// after an accepted keychange event.
func (p *Pipeline) handleEnvelope(env *envelope.Envelope, reentrant bool) {
	srcAddr, err := address.New(env.Source, env.SourceDevice)
	if err != nil {
		p.Events.Emit(events.Error, fmt.Errorf("incoming: malformed source address: %w", err))
		return
	}

	blocked, err := p.Store.IsBlocked(srcAddr.ID)
	if err != nil {
		p.Events.Emit(events.Error, fmt.Errorf("incoming: blocked-set lookup: %w", err))
		return
	}
	if blocked {
		return
	}

	if env.Type == envelope.TypeReceipt {
		p.Events.Emit(events.Receipt, env)
		return
	}

	switch {
	case len(env.Content) > 0:
		p.handleContent(env, srcAddr, reentrant)
	case len(env.LegacyMessage) > 0:
		p.handleLegacy(env, srcAddr, reentrant)
	default:
		p.Events.Emit(events.Error, fmt.Errorf("incoming: envelope %d from %s has neither content nor legacyMessage", env.Timestamp, srcAddr))
	}
}

func (p *Pipeline) decrypt(env *envelope.Envelope, srcAddr address.Address, body []byte) ([]byte, error) {
	cipher := &sessioncipher.SessionCipher{Store: p.Store, Addr: srcAddr}
	switch env.Type {
	case envelope.TypeCiphertext:
		return cipher.DecryptWhisperMessage(body)
	case envelope.TypePreKeyBundle:
		return cipher.DecryptPreKeyWhisperMessage(body, p.OwnKeys)
	default:
		return nil, fmt.Errorf("incoming: unsupported envelope type %d", env.Type)
	}
}

func (p *Pipeline) handleContent(env *envelope.Envelope, srcAddr address.Address, reentrant bool) {
	plaintext, keyChanged, err := p.decryptWithRecovery(env, srcAddr, env.Content, reentrant)
	if err != nil {
		return // decryptWithRecovery already emitted/logged terminal outcome
	}
	if plaintext == nil {
		return // dropped (duplicate, or recursed already)
	}
	unpadded, ok := outgoing.Unpad(plaintext)
	if !ok {
		p.Events.Emit(events.Error, fmt.Errorf("incoming: invalid padding from %s", srcAddr))
		return
	}

	content, err := envelope.DecodeContent(unpadded)
	if err != nil {
		p.Events.Emit(events.Error, fmt.Errorf("incoming: decode content from %s: %w", srcAddr, err))
		return
	}
	p.route(env, srcAddr, content.DataMessage, content.SyncMessage, keyChanged)
}

func (p *Pipeline) handleLegacy(env *envelope.Envelope, srcAddr address.Address, reentrant bool) {
	plaintext, keyChanged, err := p.decryptWithRecovery(env, srcAddr, env.LegacyMessage, reentrant)
	if err != nil || plaintext == nil {
		return
	}
	unpadded, ok := outgoing.Unpad(plaintext)
	if !ok {
		p.Events.Emit(events.Error, fmt.Errorf("incoming: invalid padding from %s", srcAddr))
		return
	}
	dm, err := envelope.DecodeLegacyDataMessage(unpadded)
	if err != nil {
		p.Events.Emit(events.Error, fmt.Errorf("incoming: decode legacy message from %s: %w", srcAddr, err))
		return
	}
	p.route(env, srcAddr, dm, nil, keyChanged)
}

// decryptWithRecovery runs decrypt and, on failure, the session-fault
// recovery table. It returns (nil, false, nil) for outcomes that are
// terminal-but-not-errors (duplicate drop, or a recursive retry already
// handled the envelope). keyChanged is true when the plaintext came from
// the one permitted retry after a listener accepted an identity-key change.
func (p *Pipeline) decryptWithRecovery(env *envelope.Envelope, srcAddr address.Address, body []byte, reentrant bool) ([]byte, bool, error) {
	plaintext, err := p.decrypt(env, srcAddr, body)
	if err == nil {
		return plaintext, false, nil
	}

	var counterErr *sessioncipher.MessageCounterError
	if errors.As(err, &counterErr) {
		p.Logger.WithField("addr", srcAddr.String()).Info("incoming: duplicate counter, dropping")
		return nil, false, nil
	}

	var untrusted *sessioncipher.UntrustedIdentityKeyError
	if errors.As(err, &untrusted) {
		if reentrant {
			p.Events.Emit(events.Error, fmt.Errorf("incoming: untrusted identity key from %s, second attempt", srcAddr))
			return nil, false, err
		}
		accepted := make(chan bool, 1)
		p.Events.Emit(events.KeyChange, struct {
			Addr        address.Address
			IdentityKey []byte
			Accept      chan<- bool
		}{srcAddr, untrusted.IdentityKey, accepted})

		select {
		case ok := <-accepted:
			if !ok {
				return nil, false, err
			}
		default:
			// No listener answered; default policy is to not auto-trust.
			return nil, false, err
		}
		if err := p.Store.PutIdentityKey(srcAddr.ID, untrusted.IdentityKey); err != nil {
			p.Events.Emit(events.Error, fmt.Errorf("incoming: persist accepted identity key for %s: %w", srcAddr, err))
			return nil, false, err
		}
		plaintext, _, err := p.decryptWithRecovery(env, srcAddr, body, true)
		if err != nil || plaintext == nil {
			return plaintext, false, err
		}
		return plaintext, true, nil
	}

	var prekeyErr *sessioncipher.PreKeyError
	if errors.As(err, &prekeyErr) {
		p.regeneratePreKeys()
		if err := sessioncipher.RemoveSession(p.Store, srcAddr); err != nil {
			p.Events.Emit(events.Error, err)
		}
		p.Events.Emit(events.Error, fmt.Errorf("incoming: prekey error from %s, session reset: %w", srcAddr, prekeyErr))
		return nil, false, err
	}

	var sessionErr *sessioncipher.SessionError
	if errors.As(err, &sessionErr) {
		_ = sessioncipher.RemoveSession(p.Store, srcAddr)
		p.Events.Emit(events.Error, fmt.Errorf("incoming: session error from %s, retransmit of %d requested: %w", srcAddr, env.Timestamp, sessionErr))
		return nil, false, err
	}

	p.Events.Emit(events.Error, fmt.Errorf("incoming: envelope %d from %s: %w", env.Timestamp, srcAddr, err))
	return nil, false, err
}

func (p *Pipeline) regeneratePreKeys() {
	keys, err := p.Service.GenerateKeys(100)
	if err != nil {
		p.Events.Emit(events.Error, fmt.Errorf("incoming: regenerate prekeys: %w", err))
		return
	}
	if err := p.Service.RegisterKeys(*keys); err != nil {
		p.Events.Emit(events.Error, fmt.Errorf("incoming: register prekeys: %w", err))
	}
}

// route dispatches a decoded message body. keyChange marks a delivery that
// succeeded only after a listener accepted an identity-key change, so
// message listeners can flag the conversation.
func (p *Pipeline) route(env *envelope.Envelope, srcAddr address.Address, dm *envelope.DataMessage, sm *envelope.SyncMessage, keyChange bool) {
	if dm != nil {
		if dm.Flags&envelope.FlagEndSession != 0 {
			for _, d := range mustDeviceIDs(p.Store, srcAddr.ID) {
				_ = sessioncipher.RemoveSession(p.Store, srcAddr.WithDevice(d))
			}
			return
		}
		p.Events.Emit(events.Message, struct {
			Addr      address.Address
			Message   *envelope.DataMessage
			KeyChange bool
		}{srcAddr, dm, keyChange})
		return
	}

	if sm == nil {
		return
	}
	if !srcAddr.SameUser(p.OwnAddr) {
		p.Events.Emit(events.Error, &relayerrors.ReferenceError{Msg: "sync message from non-self address"})
		return
	}
	if srcAddr.Device == p.OwnAddr.Device {
		p.Events.Emit(events.Error, &relayerrors.ReferenceError{Msg: "sync message from own device"})
		return
	}
	switch {
	case sm.Sent != nil:
		p.Events.Emit(events.Sent, *sm.Sent)
	case len(sm.Read) > 0:
		for _, r := range sm.Read {
			p.Events.Emit(events.Read, r)
		}
	case sm.Blocked != nil:
		// Blocked-list sync is unsupported; dropped without error.
	case sm.Contacts != nil:
		p.Events.Emit(events.Error, &relayerrors.DeprecatedError{Msg: "sync contacts"})
	case sm.Groups != nil:
		p.Events.Emit(events.Error, &relayerrors.DeprecatedError{Msg: "sync groups"})
	case sm.Request != nil:
		p.Events.Emit(events.Error, &relayerrors.DeprecatedError{Msg: "sync request"})
	}
}

func mustDeviceIDs(s store.Store, id uuid.UUID) []int {
	ids, err := s.GetDeviceIds(id)
	if err != nil {
		return nil
	}
	return ids
}

// Drain fetches and handles every pending envelope via the messages API,
// used when the pipeline was constructed with streaming disabled.
func (p *Pipeline) Drain() error {
	for {
		more, err := p.drainOnce()
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}

type drainResponse struct {
	Messages []drainEnvelope `json:"messages"`
	More     bool            `json:"more"`
}

type drainEnvelope struct {
	Type          envelope.Type `json:"type"`
	Source        string        `json:"source"`
	SourceDevice  int           `json:"sourceDevice"`
	Timestamp     uint64        `json:"timestamp"`
	Content       string        `json:"content,omitempty"`
	LegacyMessage string        `json:"message,omitempty"`
}

func (p *Pipeline) drainOnce() (bool, error) {
	raw, err := p.Service.Request("messages", http.MethodGet, "/v1/messages", url.Values{})
	if err != nil {
		return false, fmt.Errorf("incoming: drain fetch: %w", err)
	}
	var resp drainResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return false, fmt.Errorf("incoming: decode drain response: %w", err)
	}

	var wg sync.WaitGroup
	for _, de := range resp.Messages {
		env := &envelope.Envelope{
			Type:         de.Type,
			Source:       de.Source,
			SourceDevice: de.SourceDevice,
			Timestamp:    de.Timestamp,
		}
		if de.Content != "" {
			if env.Content, err = base64.StdEncoding.DecodeString(de.Content); err != nil {
				p.Events.Emit(events.Error, fmt.Errorf("incoming: decode drained content: %w", err))
				continue
			}
		}
		if de.LegacyMessage != "" {
			if env.LegacyMessage, err = base64.StdEncoding.DecodeString(de.LegacyMessage); err != nil {
				p.Events.Emit(events.Error, fmt.Errorf("incoming: decode drained message: %w", err))
				continue
			}
		}

		p.handleEnvelope(env, false)

		wg.Add(1)
		go func(source string, ts uint64) {
			defer wg.Done()
			path := "/v1/messages/" + source + "/" + strconv.FormatUint(ts, 10)
			if _, err := p.Service.Request("messages", http.MethodDelete, path, nil); err != nil {
				p.Events.Emit(events.Error, fmt.Errorf("incoming: delete drained envelope: %w", err))
			}
		}(de.Source, de.Timestamp)
	}
	wg.Wait()

	return resp.More, nil
}
