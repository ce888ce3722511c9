package restclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ark-network/ark-batch/common/tree"
	"github.com/ark-network/ark-batch/pkg/client-sdk/client"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	defaultRequestTimeout = 15 * time.Second
	// a single tree tx event can carry a large psbt
	maxEventSize = 4 * 1024 * 1024
)

type restClient struct {
	serverURL      *url.URL
	httpClient     *http.Client
	requestTimeout time.Duration
	useWebsocket   bool

	lock    sync.Mutex
	streams map[int]func()
	nextId  int
}

type Option func(*restClient)

// WithWebsocket makes the event stream use a websocket instead of a
// long-lived http response.
func WithWebsocket() Option {
	return func(c *restClient) {
		c.useWebsocket = true
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *restClient) {
		c.httpClient = httpClient
	}
}

func WithRequestTimeout(timeout time.Duration) Option {
	return func(c *restClient) {
		c.requestTimeout = timeout
	}
}

func NewClient(serverURL string, opts ...Option) (client.TransportClient, error) {
	if len(serverURL) <= 0 {
		return nil, fmt.Errorf("missing server url")
	}
	if !strings.Contains(serverURL, "://") {
		serverURL = "http://" + serverURL
	}
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported server url scheme %s", u.Scheme)
	}

	c := &restClient{
		serverURL:      u,
		httpClient:     &http.Client{},
		requestTimeout: defaultRequestTimeout,
		streams:        make(map[int]func()),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *restClient) GetInfo(ctx context.Context) (*client.Info, error) {
	var resp infoResponse
	if err := c.do(ctx, http.MethodGet, "/v1/info", nil, &resp); err != nil {
		return nil, err
	}
	return resp.toInfo()
}

func (c *restClient) RegisterIntent(ctx context.Context, proof, message string) (string, error) {
	req := registerIntentRequest{Intent: intent{Proof: proof, Message: message}}
	var resp registerIntentResponse
	if err := c.do(ctx, http.MethodPost, "/v1/batch/registerIntent", req, &resp); err != nil {
		return "", err
	}
	if len(resp.IntentId) <= 0 {
		return "", fmt.Errorf("missing intent id in response")
	}
	return resp.IntentId, nil
}

func (c *restClient) DeleteIntent(ctx context.Context, proof, message string) error {
	req := deleteIntentRequest{Intent: intent{Proof: proof, Message: message}}
	return c.do(ctx, http.MethodPost, "/v1/batch/deleteIntent", req, nil)
}

func (c *restClient) ConfirmRegistration(ctx context.Context, intentID string) error {
	req := confirmRegistrationRequest{IntentId: intentID}
	return c.do(ctx, http.MethodPost, "/v1/batch/ack", req, nil)
}

func (c *restClient) SubmitTreeNonces(
	ctx context.Context, batchId, cosignerPubkey string, nonces tree.TreeNonces,
) error {
	serialized, err := json.Marshal(nonces)
	if err != nil {
		return fmt.Errorf("failed to serialize tree nonces: %w", err)
	}
	req := submitTreeNoncesRequest{
		BatchId:    batchId,
		Pubkey:     cosignerPubkey,
		TreeNonces: string(serialized),
	}
	return c.do(ctx, http.MethodPost, "/v1/batch/tree/submitNonces", req, nil)
}

func (c *restClient) SubmitTreeSignatures(
	ctx context.Context, batchId, cosignerPubkey string, signatures tree.TreePartialSigs,
) error {
	serialized, err := json.Marshal(signatures)
	if err != nil {
		return fmt.Errorf("failed to serialize tree signatures: %w", err)
	}
	req := submitTreeSignaturesRequest{
		BatchId:        batchId,
		Pubkey:         cosignerPubkey,
		TreeSignatures: string(serialized),
	}
	return c.do(ctx, http.MethodPost, "/v1/batch/tree/submitSignatures", req, nil)
}

func (c *restClient) SubmitSignedForfeitTxs(
	ctx context.Context, signedForfeitTxs []string, signedCommitmentTx string,
) error {
	if signedForfeitTxs == nil {
		signedForfeitTxs = []string{}
	}
	req := submitSignedForfeitTxsRequest{
		SignedForfeitTxs:   signedForfeitTxs,
		SignedCommitmentTx: signedCommitmentTx,
	}
	return c.do(ctx, http.MethodPost, "/v1/batch/submitForfeitTxs", req, nil)
}

// GetEventStream subscribes to the batch events concerning the given topics.
// The returned function closes the stream, the channel is closed once the
// stream ends.
func (c *restClient) GetEventStream(
	ctx context.Context, topics []string,
) (<-chan client.BatchEventChannel, func(), error) {
	u := c.url("/v1/batch/events")
	query := u.Query()
	for _, topic := range topics {
		query.Add("topics", topic)
	}
	u.RawQuery = query.Encode()

	ctx, cancel := context.WithCancel(ctx)

	var (
		next    func() ([]byte, error)
		closeFn func()
	)

	if c.useWebsocket {
		if u.Scheme == "https" {
			u.Scheme = "wss"
		} else {
			u.Scheme = "ws"
		}
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
		if err != nil {
			cancel()
			if resp != nil {
				return nil, nil, &client.RequestError{
					Op: "GetEventStream", StatusCode: resp.StatusCode, Message: err.Error(),
				}
			}
			return nil, nil, fmt.Errorf("failed to open event stream: %w", err)
		}
		conn.SetReadLimit(maxEventSize)
		next = func() ([]byte, error) {
			_, msg, err := conn.ReadMessage()
			return msg, err
		}
		go func() {
			<-ctx.Done()
			_ = conn.Close()
		}()
		closeFn = cancel
	} else {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			cancel()
			return nil, nil, err
		}
		req.Header.Set("Accept", "application/x-ndjson")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			cancel()
			return nil, nil, fmt.Errorf("failed to open event stream: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			defer resp.Body.Close()
			cancel()
			return nil, nil, parseErrorResponse("GetEventStream", resp)
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)
		next = func() ([]byte, error) {
			for scanner.Scan() {
				line := bytes.TrimSpace(scanner.Bytes())
				if len(line) > 0 {
					return line, nil
				}
			}
			if err := scanner.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		closeFn = func() {
			cancel()
			_ = resp.Body.Close()
		}
	}

	c.lock.Lock()
	id := c.nextId
	c.nextId++
	c.streams[id] = closeFn
	c.lock.Unlock()

	eventsCh := make(chan client.BatchEventChannel)
	go func() {
		defer close(eventsCh)
		defer cancel()
		defer func() {
			c.lock.Lock()
			delete(c.streams, id)
			c.lock.Unlock()
		}()

		for {
			msg, err := next()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if errors.Is(err, io.EOF) {
					err = fmt.Errorf("event stream closed by server")
				}
				sendEvent(ctx, eventsCh, client.BatchEventChannel{Err: err})
				return
			}

			var streamResp streamResponse
			if err := json.Unmarshal(msg, &streamResp); err != nil {
				sendEvent(ctx, eventsCh, client.BatchEventChannel{
					Err: fmt.Errorf("failed to parse event: %w", err),
				})
				return
			}
			if streamResp.Error != nil {
				sendEvent(ctx, eventsCh, client.BatchEventChannel{
					Err: &client.RequestError{
						Op:         "GetEventStream",
						StatusCode: httpStatusFromCode(streamResp.Error.Code),
						Message:    streamResp.Error.Message,
					},
				})
				return
			}
			if streamResp.Result == nil {
				continue
			}

			event, err := streamResp.Result.toBatchEvent()
			if err != nil {
				log.WithError(err).Warn("skipping malformed batch event")
				continue
			}
			if !sendEvent(ctx, eventsCh, client.BatchEventChannel{Event: event}) {
				return
			}
		}
	}()

	return eventsCh, closeFn, nil
}

func (c *restClient) Close() {
	c.lock.Lock()
	streams := make([]func(), 0, len(c.streams))
	for _, closeFn := range c.streams {
		streams = append(streams, closeFn)
	}
	c.lock.Unlock()

	for _, closeFn := range streams {
		closeFn()
	}
	c.httpClient.CloseIdleConnections()
}

func (c *restClient) url(path string) *url.URL {
	u := *c.serverURL
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	return &u
}

func (c *restClient) do(ctx context.Context, method, path string, req, resp any) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var body io.Reader
	if req != nil {
		buf, err := json.Marshal(req)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.url(path).String(), body)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return parseErrorResponse(path, httpResp)
	}

	if resp == nil {
		return nil
	}
	if err := json.NewDecoder(httpResp.Body).Decode(resp); err != nil {
		return fmt.Errorf("%s: failed to parse response: %w", path, err)
	}
	return nil
}

func parseErrorResponse(op string, resp *http.Response) error {
	buf, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	message := strings.TrimSpace(string(buf))

	var errResp errorResponse
	if err := json.Unmarshal(buf, &errResp); err == nil && len(errResp.Message) > 0 {
		message = errResp.Message
	}
	if len(message) <= 0 {
		message = http.StatusText(resp.StatusCode)
	}

	return &client.RequestError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Message:    message,
	}
}

// httpStatusFromCode maps the grpc status codes of stream errors.
func httpStatusFromCode(code int) int {
	switch code {
	case 3, 9, 11: // invalid argument, failed precondition, out of range
		return http.StatusBadRequest
	case 5: // not found
		return http.StatusNotFound
	case 6: // already exists
		return http.StatusConflict
	case 7, 16: // permission denied, unauthenticated
		return http.StatusForbidden
	case 4: // deadline exceeded
		return http.StatusGatewayTimeout
	default:
		return http.StatusServiceUnavailable
	}
}

func sendEvent(
	ctx context.Context, ch chan<- client.BatchEventChannel, event client.BatchEventChannel,
) bool {
	select {
	case ch <- event:
		return true
	case <-ctx.Done():
		return false
	}
}
