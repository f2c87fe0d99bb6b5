// Package signalservice is the request/response client for the remote
// message service: prekey bundle fetch, send-messages, device listing,
// key generation and registration, attachment fetch, and queue pull and
// delete. Failures surface through the typed relayerrors taxonomy.
package signalservice

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/forsta-im/librelay-go/address"
	"github.com/forsta-im/librelay-go/relayerrors"
	"github.com/forsta-im/librelay-go/sessioncipher"
	"github.com/sirupsen/logrus"
)

// DeviceEntry is one device's prekey material in a getKeysForAddr response.
type DeviceEntry struct {
	DeviceID        int    `json:"deviceId"`
	RegistrationID  uint32 `json:"registrationId"`
	SignedPreKey    []byte `json:"signedPreKey"`
	PreKey          []byte `json:"preKey,omitempty"`
	IdentityKey     []byte `json:"identityKey"`
	SignedPreKeySig []byte `json:"signedPreKeySignature"`
}

// ToPreKeyBundle converts a wire DeviceEntry into the sessioncipher-facing
// PreKeyBundle, keeping the session-establishment type out of this package.
func (d DeviceEntry) ToPreKeyBundle() sessioncipher.PreKeyBundle {
	return sessioncipher.PreKeyBundle{
		DeviceID:        d.DeviceID,
		IdentityKey:     d.IdentityKey,
		PreKey:          d.PreKey,
		SignedPreKey:    d.SignedPreKey,
		SignedPreKeySig: d.SignedPreKeySig,
		RegistrationID:  d.RegistrationID,
	}
}

// KeysResponse is the getKeysForAddr response shape.
type KeysResponse struct {
	IdentityKey []byte        `json:"identityKey"`
	Devices     []DeviceEntry `json:"devices"`
}

// PerDeviceCiphertext is the wire shape for one device's encrypted payload
// inside a sendMessages call.
type PerDeviceCiphertext struct {
	Type                      int    `json:"type"`
	DestinationDeviceID       int    `json:"destinationDeviceId"`
	DestinationRegistrationID uint32 `json:"destinationRegistrationId"`
	Content                   string `json:"content"`
}

// KeySet is what generateKeys produces and registerKeys uploads: an
// identity key, a signed prekey, and a batch of one-time prekeys.
type KeySet struct {
	IdentityKey     []byte   `json:"identityKey"`
	SignedPreKey    []byte   `json:"signedPreKey"`
	SignedPreKeySig []byte   `json:"signedPreKeySignature"`
	PreKeys         [][]byte `json:"preKeys"`
	RegistrationID  uint32   `json:"registrationId"`
}

// Client is a Signal Service Client bound to one account's credentials.
type Client struct {
	BaseURL    string
	UserID     string
	Password   string
	HTTPClient *http.Client
	Logger     *logrus.Logger
}

// New builds a Client. A nil httpClient falls back to http.DefaultClient.
func New(baseURL, userID, password string, httpClient *http.Client, logger *logrus.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{BaseURL: baseURL, UserID: userID, Password: password, HTTPClient: httpClient, Logger: logger}
}

func (c *Client) url(path string) string {
	return c.BaseURL + path
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	if c.Password != "" {
		req.SetBasicAuth(c.UserID, c.Password)
	}
	return c.HTTPClient.Do(req)
}

// GetKeysForAddr fetches prekey bundles for addr. deviceID of 0 fetches all
// of the address's devices; a non-zero deviceID fetches just that one. The
// service accepts only one explicit device id per request, so callers
// needing several must issue them serially.
func (c *Client) GetKeysForAddr(addr address.Address, deviceID int) (*KeysResponse, error) {
	path := fmt.Sprintf("/v1/keys/%s", addr.ID.String())
	if deviceID != 0 {
		path += "/" + strconv.Itoa(deviceID)
	} else {
		path += "/*"
	}

	req, err := http.NewRequest(http.MethodGet, c.url(path), nil)
	if err != nil {
		return nil, fmt.Errorf("signalservice: build getKeysForAddr request: %w", err)
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("signalservice: getKeysForAddr %s: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, &relayerrors.UnregisteredUserError{Addr: addr}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, newProtocolError(resp)
	}

	var out KeysResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("signalservice: decode getKeysForAddr %s: %w", addr, err)
	}
	return &out, nil
}

// SendMessages transmits per-device ciphertexts to addr. On a 404/409/410 it
// returns the corresponding typed error so the outgoing pipeline can
// reconcile; any other non-200 status is returned as a bare *ProtocolError.
func (c *Client) SendMessages(addr address.Address, ciphertexts []PerDeviceCiphertext, timestamp uint64) error {
	body, err := json.Marshal(struct {
		Messages  []PerDeviceCiphertext `json:"messages"`
		Timestamp uint64                `json:"timestamp"`
	}{Messages: ciphertexts, Timestamp: timestamp})
	if err != nil {
		return fmt.Errorf("signalservice: marshal sendMessages body: %w", err)
	}

	path := fmt.Sprintf("/v1/messages/%s", addr.ID.String())
	req, err := http.NewRequest(http.MethodPut, c.url(path), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("signalservice: build sendMessages request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return fmt.Errorf("signalservice: sendMessages %s: %w", addr, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return &relayerrors.UnregisteredUserError{Addr: addr}
	case http.StatusConflict:
		var mismatched relayerrors.MismatchedDevicesResponse
		if err := json.NewDecoder(resp.Body).Decode(&mismatched); err != nil {
			return fmt.Errorf("signalservice: decode 409 body for %s: %w", addr, err)
		}
		return &relayerrors.ProtocolError{Code: http.StatusConflict, Response: mismatched}
	case http.StatusGone:
		var stale relayerrors.StaleDevicesResponse
		if err := json.NewDecoder(resp.Body).Decode(&stale); err != nil {
			return fmt.Errorf("signalservice: decode 410 body for %s: %w", addr, err)
		}
		return &relayerrors.ProtocolError{Code: http.StatusGone, Response: stale}
	default:
		return newProtocolError(resp)
	}
}

// Request issues the generic {call:'messages', httpType, urlParameters}
// pull/delete operation the queue drain path and message-ack path use.
func (c *Client) Request(call, httpType, path string, params url.Values) ([]byte, error) {
	full := c.url(path)
	if len(params) > 0 {
		full += "?" + params.Encode()
	}
	req, err := http.NewRequest(httpType, full, nil)
	if err != nil {
		return nil, fmt.Errorf("signalservice: build %s request for call %q: %w", httpType, call, err)
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("signalservice: %s request for call %q: %w", httpType, call, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newProtocolError(resp)
	}
	return io.ReadAll(resp.Body)
}

// GenerateKeys asks the service to mint a fresh identity, signed prekey, and
// a batch of one-time prekeys for this account.
func (c *Client) GenerateKeys(count int) (*KeySet, error) {
	path := fmt.Sprintf("/v2/keys/generate?count=%d", count)
	req, err := http.NewRequest(http.MethodPost, c.url(path), nil)
	if err != nil {
		return nil, fmt.Errorf("signalservice: build generateKeys request: %w", err)
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("signalservice: generateKeys: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, newProtocolError(resp)
	}
	var out KeySet
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("signalservice: decode generateKeys response: %w", err)
	}
	return &out, nil
}

// RegisterKeys publishes keys to the service, replacing whatever prekey
// pool this account previously registered.
func (c *Client) RegisterKeys(keys KeySet) error {
	body, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("signalservice: marshal registerKeys body: %w", err)
	}
	req, err := http.NewRequest(http.MethodPut, c.url("/v2/keys"), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("signalservice: build registerKeys request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return fmt.Errorf("signalservice: registerKeys: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return newProtocolError(resp)
	}
	return nil
}

// GetDevices lists this account's own registered device ids.
func (c *Client) GetDevices() ([]int, error) {
	req, err := http.NewRequest(http.MethodGet, c.url("/v1/devices"), nil)
	if err != nil {
		return nil, fmt.Errorf("signalservice: build getDevices request: %w", err)
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("signalservice: getDevices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, newProtocolError(resp)
	}
	var out struct {
		DeviceIDs []int `json:"deviceIds"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("signalservice: decode getDevices response: %w", err)
	}
	return out.DeviceIDs, nil
}

// GetAttachment downloads the ciphertext for an attachment by id. The
// caller is responsible for decrypting it.
func (c *Client) GetAttachment(id string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, c.url("/v1/attachments/"+id), nil)
	if err != nil {
		return nil, fmt.Errorf("signalservice: build getAttachment request: %w", err)
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("signalservice: getAttachment %s: %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, newProtocolError(resp)
	}
	return io.ReadAll(resp.Body)
}

// GetMessageWebSocketURL builds the authenticated websocket URL the
// streaming transport dials to receive server-initiated message pushes.
func (c *Client) GetMessageWebSocketURL() string {
	v := url.Values{}
	v.Set("login", c.UserID)
	v.Set("password", c.Password)
	return wsURL(c.BaseURL) + "/v1/websocket/?" + v.Encode()
}

func wsURL(baseURL string) string {
	switch {
	case len(baseURL) >= 5 && baseURL[:5] == "https":
		return "wss" + baseURL[5:]
	case len(baseURL) >= 4 && baseURL[:4] == "http":
		return "ws" + baseURL[4:]
	default:
		return baseURL
	}
}

func newProtocolError(resp *http.Response) *relayerrors.ProtocolError {
	var body any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return &relayerrors.ProtocolError{Code: resp.StatusCode, Response: body}
}
