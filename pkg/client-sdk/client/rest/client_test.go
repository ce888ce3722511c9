package restclient_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ark-network/ark-batch/common/tree"
	"github.com/ark-network/ark-batch/pkg/client-sdk/client"
	restclient "github.com/ark-network/ark-batch/pkg/client-sdk/client/rest"
	"github.com/ark-network/ark-batch/pkg/client-sdk/types"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

const testNonce = "02a1633cafcc01ebfb6d78e39f687a1f0995c62fc95f51ead10a02ee0be551b5dc" +
	"03a1633cafcc01ebfb6d78e39f687a1f0995c62fc95f51ead10a02ee0be551b5dc"

var testEvents = []string{
	`{"result":{"streamStarted":{"id":"stream"}}}`,
	`{"result":{"heartbeat":{}}}`,
	`{"result":{"batchStarted":{"id":"batch","intentIdHashes":["aa","bb"],"batchExpiry":"512"}}}`,
	`{"result":{"treeTx":{"id":"batch","topic":["x"],"batchIndex":0,"txid":"t1","tx":"cHNidP8=","children":{"0":"t2"}}}}`,
	`{"result":{"treeSigningStarted":{"id":"batch","cosignersPubkeys":["02aa"],"unsignedCommitmentTx":"cHNidP8="}}}`,
	`{"result":{"treeNonces":{"id":"batch","txid":"t1","nonces":{"02aa":"` + testNonce + `"}}}}`,
	`{"result":{"treeNoncesAggregated":{"id":"batch","treeNonces":"{\"t1\":\"` + testNonce + `\"}"}}}`,
	`{"result":{"treeSignature":{"id":"batch","batchIndex":0,"txid":"t1","signature":"abcd"}}}`,
	`{"result":{"batchFinalization":{"id":"batch","commitmentTx":"cHNidP8=","connectorsIndex":{"v:0":{"txid":"c","vout":1}},"minRelayFeeRate":"1000"}}}`,
	`{"result":{"batchFinalized":{"id":"batch","commitmentTxid":"commitment"}}}`,
	`{"result":{"batchFailed":{"id":"other","reason":"timeout"}}}`,
}

func requireTestEvents(t *testing.T, eventsCh <-chan client.BatchEventChannel) {
	t.Helper()

	received := make([]client.BatchEvent, 0, len(testEvents))
	for len(received) < len(testEvents) {
		select {
		case e, ok := <-eventsCh:
			require.True(t, ok, "stream closed after %d events", len(received))
			require.NoError(t, e.Err)
			received = append(received, e.Event)
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for events")
		}
	}

	require.Equal(t, client.StreamStartedEvent{Id: "stream"}, received[0])
	require.Equal(t, client.HeartbeatEvent{}, received[1])
	require.Equal(t, client.BatchStartedEvent{
		Id: "batch", HashedIntentIds: []string{"aa", "bb"}, BatchExpiry: 512,
	}, received[2])

	treeTx, ok := received[3].(client.TreeTxEvent)
	require.True(t, ok)
	require.Equal(t, tree.TxTreeNode{
		Txid: "t1", Tx: "cHNidP8=", Children: map[uint32]string{0: "t2"},
	}, treeTx.Node)

	require.Equal(t, []string{"02aa"}, received[4].(client.TreeSigningStartedEvent).CosignersPubkeys)

	nonces, ok := received[5].(client.TreeNoncesEvent)
	require.True(t, ok)
	expectedNonce, err := tree.DecodeNonce(testNonce)
	require.NoError(t, err)
	require.Equal(t, expectedNonce, nonces.Nonces["02aa"])

	aggregated, ok := received[6].(client.TreeNoncesAggregatedEvent)
	require.True(t, ok)
	require.Equal(t, expectedNonce, aggregated.Nonces["t1"].PubNonce)

	require.Equal(t, "abcd", received[7].(client.TreeSignatureEvent).Signature)

	finalization, ok := received[8].(client.BatchFinalizationEvent)
	require.True(t, ok)
	require.Equal(t, types.Outpoint{Txid: "c", VOut: 1}, finalization.ConnectorsIndex["v:0"])
	require.EqualValues(t, 1000, finalization.MinRelayFeeRate)

	require.Equal(t, client.BatchFinalizedEvent{Id: "batch", Txid: "commitment"}, received[9])
	require.Equal(t, client.BatchFailedEvent{Id: "other", Reason: "timeout"}, received[10])
}

type recorder struct {
	lock     sync.Mutex
	requests []string
}

func (r *recorder) add(request string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.requests = append(r.requests, request)
}

func (r *recorder) get() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]string{}, r.requests...)
}

func newTestServer(t *testing.T) (*httptest.Server, *recorder) {
	requests := &recorder{}
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/info", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"version":"v1","signerPubkey":"02aa","forfeitPubkey":"02bb",`+
			`"forfeitAddress":"bcrt1q","network":"regtest","sessionDuration":"30",`+
			`"unilateralExitDelay":"512","boardingExitDelay":"1024","dust":"330"}`)
	})
	mux.HandleFunc("/v1/batch/registerIntent", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		requests.add(req["intent"]["message"])
		if req["intent"]["proof"] == "invalid" {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"code":3,"message":"invalid intent proof"}`)
			return
		}
		fmt.Fprint(w, `{"intentId":"intent"}`)
	})
	mux.HandleFunc("/v1/batch/tree/submitNonces", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		requests.add(req["treeNonces"])
		fmt.Fprint(w, `{}`)
	})
	mux.HandleFunc("/v1/batch/ack", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/v1/batch/events", func(w http.ResponseWriter, r *http.Request) {
		requests.add(strings.Join(r.URL.Query()["topics"], ","))

		if websocket.IsWebSocketUpgrade(r) {
			upgrader := websocket.Upgrader{}
			conn, err := upgrader.Upgrade(w, r, nil)
			require.NoError(t, err)
			defer conn.Close()
			for _, event := range testEvents {
				require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(event)))
			}
			// wait for the client to go away
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}

		flusher, ok := w.(http.Flusher)
		require.True(t, ok)
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, event := range testEvents {
			fmt.Fprintln(w, event)
			flusher.Flush()
		}
		<-r.Context().Done()
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, requests
}

func TestRequests(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	server, requests := newTestServer(t)
	svc, err := restclient.NewClient(server.URL)
	require.NoError(t, err)
	defer svc.Close()

	info, err := svc.GetInfo(ctx)
	require.NoError(t, err)
	require.Equal(t, &client.Info{
		Version:             "v1",
		SignerPubKey:        "02aa",
		ForfeitPubKey:       "02bb",
		ForfeitAddress:      "bcrt1q",
		Network:             "regtest",
		SessionDuration:     30,
		UnilateralExitDelay: 512,
		BoardingExitDelay:   1024,
		Dust:                330,
	}, info)

	intentId, err := svc.RegisterIntent(ctx, "proof", "message")
	require.NoError(t, err)
	require.Equal(t, "intent", intentId)

	_, err = svc.RegisterIntent(ctx, "invalid", "message")
	require.Error(t, err)
	require.True(t, client.IsRejected(err))
	var reqErr *client.RequestError
	require.ErrorAs(t, err, &reqErr)
	require.Equal(t, "invalid intent proof", reqErr.Message)

	err = svc.ConfirmRegistration(ctx, "intent")
	require.Error(t, err)
	require.False(t, client.IsRejected(err))

	nonce, err := tree.DecodeNonce(testNonce)
	require.NoError(t, err)
	err = svc.SubmitTreeNonces(ctx, "batch", "02aa", tree.TreeNonces{
		"t1": {PubNonce: nonce},
	})
	require.NoError(t, err)

	require.Equal(t, []string{
		"message", "message", `{"t1":"` + testNonce + `"}`,
	}, requests.get())

	_, err = restclient.NewClient("")
	require.Error(t, err)
	_, err = restclient.NewClient("ftp://localhost")
	require.Error(t, err)
}

func TestEventStream(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opts []restclient.Option
	}{
		{name: "ndjson"},
		{name: "websocket", opts: []restclient.Option{restclient.WithWebsocket()}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server, requests := newTestServer(t)
			svc, err := restclient.NewClient(server.URL, tt.opts...)
			require.NoError(t, err)

			eventsCh, closeFn, err := svc.GetEventStream(
				context.Background(), []string{"txid:0", "02aa"},
			)
			require.NoError(t, err)

			requireTestEvents(t, eventsCh)
			require.Equal(t, []string{"txid:0,02aa"}, requests.get())

			closeFn()
			select {
			case _, ok := <-eventsCh:
				require.False(t, ok)
			case <-time.After(5 * time.Second):
				t.Fatal("stream not closed")
			}
		})
	}
}
