package delivery

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregLibert/card-provisioning/pkg/api"
	"github.com/gregLibert/card-provisioning/pkg/cardid"
	"github.com/gregLibert/card-provisioning/pkg/fieldcrypto"
)

// fakeForms answers every field from a fixed value map and records
// confirmations.
type fakeForms struct {
	values   map[string]string
	confirms [][]string
	err      error
}

func (f *fakeForms) ProcessForm(fields []Field) (map[string]Field, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]Field, len(fields))
	for _, field := range fields {
		if v, ok := f.values[field.ID]; ok {
			field.Value = v
		} else {
			field.Value = "v-" + field.ID
		}
		out[field.ID] = field
	}
	return out, nil
}

func (f *fakeForms) Confirm(messages ...string) error {
	if f.err != nil {
		return f.err
	}
	f.confirms = append(f.confirms, messages)
	return nil
}

// fakeCard acknowledges every APDU with 9000 and records what it received.
type fakeCard struct {
	received [][]byte
	err      error
}

func (c *fakeCard) Transmit(cmd []byte) ([]byte, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.received = append(c.received, cmd)
	return []byte{0x90, 0x00}, nil
}

// scriptedReply is one canned fetch or connector response.
type scriptedReply struct {
	status int // 0 means 200
	body   string
}

// serviceFixture fakes the orchestration service for one delivery run.
type serviceFixture struct {
	t *testing.T

	serviceDoc string
	fetches    []scriptedReply
	connector  []scriptedReply

	fetchRequests     []map[string]json.RawMessage
	connectorRequests []map[string]json.RawMessage
	deliverBody       map[string]json.RawMessage
	errorReports      []map[string]json.RawMessage
	recipePuts        []string
	recipeDeletes     []string

	client *api.Client
}

func newServiceFixture(t *testing.T) *serviceFixture {
	f := &serviceFixture{
		t:          t,
		serviceDoc: `{"description":{"title":"Test Service"}}`,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/devices/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"iin":"315649","description":{"capabilities":{"platformVersion":3}}}`))
	})
	mux.HandleFunc("/apps/", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			f.recipePuts = append(f.recipePuts, r.URL.Path)
			w.WriteHeader(http.StatusNoContent)
		case http.MethodDelete:
			f.recipeDeletes = append(f.recipeDeletes, r.URL.Path)
			w.WriteHeader(http.StatusNoContent)
		default:
			w.Write([]byte(f.serviceDoc))
		}
	})
	mux.HandleFunc("/service/deliver", func(w http.ResponseWriter, r *http.Request) {
		f.deliverBody = decodeBody(t, r)
		w.Write([]byte(`{"sessionId":"sess-1"}`))
	})
	mux.HandleFunc("/service/fetch", func(w http.ResponseWriter, r *http.Request) {
		f.fetchRequests = append(f.fetchRequests, decodeBody(t, r))
		f.reply(w, &f.fetches)
	})
	mux.HandleFunc("/connector/json", func(w http.ResponseWriter, r *http.Request) {
		f.connectorRequests = append(f.connectorRequests, decodeBody(t, r))
		f.reply(w, &f.connector)
	})
	mux.HandleFunc("/service/deliveryError", func(w http.ResponseWriter, r *http.Request) {
		f.errorReports = append(f.errorReports, decodeBody(t, r))
		w.WriteHeader(http.StatusNoContent)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client, err := api.NewClient(api.Config{
		BaseURL: server.URL + "/",
		AppID:   "deadbeef",
		AppKey:  "000102030405060708090a0b0c0d0e0f",
	})
	require.NoError(t, err)
	f.client = client
	return f
}

func (f *serviceFixture) reply(w http.ResponseWriter, script *[]scriptedReply) {
	if len(*script) == 0 {
		f.t.Error("Service received a request beyond its script")
		http.Error(w, "out of script", http.StatusInternalServerError)
		return
	}
	next := (*script)[0]
	*script = (*script)[1:]

	switch {
	case next.status == 204:
		w.WriteHeader(http.StatusNoContent)
	case next.status != 0 && next.status != 200:
		http.Error(w, next.body, next.status)
	default:
		w.Write([]byte(next.body))
	}
}

func decodeBody(t *testing.T, r *http.Request) map[string]json.RawMessage {
	t.Helper()
	var body map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	return body
}

func testIdentity() *cardid.Identity {
	return &cardid.Identity{
		CIN:     []byte{0xCA, 0xFE},
		BatchID: 7,
		Batched: true,
	}
}

const completedOK = `{"completed":true,"status":{"success":true,"message":"all done"}}`

func TestSession_Deliver_Transceive(t *testing.T) {
	f := newServiceFixture(t)
	f.fetches = []scriptedReply{
		{body: `{"operationType":"transceive","operationId":"op-1"}`},
		{body: completedOK},
	}
	f.connector = []scriptedReply{
		{body: `{"commands":["00a40400","80ca9f7f00","00ca004500"]}`},
		{body: `{"commands":[]}`},
	}

	card := &fakeCard{}
	session := NewSession(f.client, card, testIdentity(), &fakeForms{}, nil)

	result, err := session.Deliver(context.Background(), "aabbccdd", "svc")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "sess-1", result.SessionID)
	assert.Equal(t, "all done", result.Message)

	// Exactly the three relayed APDUs reached the card.
	require.Len(t, card.received, 3)
	assert.Equal(t, "00a40400", hex.EncodeToString(card.received[0]))

	// First connector call opens with no responses, second carries three.
	require.Len(t, f.connectorRequests, 2)
	assert.JSONEq(t, `[]`, string(f.connectorRequests[0]["responses"]))
	var responses []string
	require.NoError(t, json.Unmarshal(f.connectorRequests[1]["responses"], &responses))
	assert.Equal(t, []string{"9000", "9000", "9000"}, responses)

	// Card id travels hex-encoded in the delivery request.
	var cardID map[string]any
	require.NoError(t, json.Unmarshal(f.deliverBody["cardId"], &cardID))
	assert.Equal(t, "cafe", cardID["cin"])
	assert.Equal(t, "315649", cardID["iin"])

	assert.Empty(t, f.errorReports)
}

func TestSession_Deliver_LegacyEmailField(t *testing.T) {
	f := newServiceFixture(t)
	f.serviceDoc = `{"description":{"title":"T","emailRequired":"Your email","fieldsRequired":[{"id":"name","label":"Name","type":"edit"}]}}`
	f.fetches = []scriptedReply{{body: completedOK}}

	forms := &fakeForms{values: map[string]string{"email": "user@example.com", "name": "Jo"}}
	session := NewSession(f.client, &fakeCard{}, testIdentity(), forms, nil)

	_, err := session.Deliver(context.Background(), "aabbccdd", "svc")
	require.NoError(t, err)

	// The email is lifted out of the field map into the legacy top-level key.
	assert.JSONEq(t, `"user@example.com"`, string(f.deliverBody["email"]))
	var fields map[string]string
	require.NoError(t, json.Unmarshal(f.deliverBody["fields"], &fields))
	assert.Equal(t, map[string]string{"name": "Jo"}, fields)
}

func TestSession_Deliver_UserInteraction(t *testing.T) {
	f := newServiceFixture(t)
	f.fetches = []scriptedReply{
		{body: `{"operationType":"user-interaction","operationId":"op-2","fields":[{"id":"pin","label":"PIN","type":"edit"}]}`},
		{body: completedOK},
	}

	forms := &fakeForms{values: map[string]string{"pin": "1234"}}
	session := NewSession(f.client, &fakeCard{}, testIdentity(), forms, nil)

	result, err := session.Deliver(context.Background(), "aabbccdd", "svc")
	require.NoError(t, err)
	assert.True(t, result.Success)

	// Second fetch folds in the operation result.
	require.Len(t, f.fetchRequests, 2)
	var opResult struct {
		OperationID string            `json:"operationId"`
		Fields      map[string]string `json:"fields"`
		StatusCode  int               `json:"statusCode"`
	}
	require.NoError(t, json.Unmarshal(f.fetchRequests[1]["operationResult"], &opResult))
	assert.Equal(t, "op-2", opResult.OperationID)
	assert.Equal(t, map[string]string{"pin": "1234"}, opResult.Fields)
	assert.Equal(t, 200, opResult.StatusCode)
}

func TestSession_Deliver_EncryptedInteraction(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	certDER, err := x509.CreateCertificate(rand.Reader, &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "sp.example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}, &x509.Certificate{SerialNumber: big.NewInt(1)}, &priv.PublicKey, priv)
	require.NoError(t, err)

	f := newServiceFixture(t)
	f.serviceDoc = `{"description":{"title":"T","certificate":"` + hex.EncodeToString(certDER) + `"}}`
	f.fetches = []scriptedReply{
		{body: `{"operationType":"user-interaction","operationId":"op-3","encrypted":true,"fields":[{"id":"secret","label":"Secret","type":"edit"}]}`},
		{body: completedOK},
	}

	forms := &fakeForms{values: map[string]string{"secret": "hunter2"}}
	session := NewSession(f.client, &fakeCard{}, testIdentity(), forms, nil)

	_, err = session.Deliver(context.Background(), "aabbccdd", "svc")
	require.NoError(t, err)

	var opResult struct {
		Fields       map[string]string `json:"fields"`
		EphemeralKey string            `json:"ephemeralKey"`
	}
	require.NoError(t, json.Unmarshal(f.fetchRequests[1]["operationResult"], &opResult))
	require.NotEmpty(t, opResult.EphemeralKey)

	// The server-side provider can unwrap the key and read the value.
	wrapped, err := hex.DecodeString(opResult.EphemeralKey)
	require.NoError(t, err)
	key, err := fieldcrypto.UnwrapKey(priv, wrapped)
	require.NoError(t, err)

	ciphertext, err := hex.DecodeString(opResult.Fields["secret"])
	require.NoError(t, err)
	plaintext, err := fieldcrypto.Decrypt(ciphertext, key)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plaintext)
}

func TestSession_Deliver_EncryptionWithoutKey(t *testing.T) {
	f := newServiceFixture(t)
	f.fetches = []scriptedReply{
		{body: `{"operationType":"user-interaction","operationId":"op-3","encrypted":true,"fields":[]}`},
	}

	session := NewSession(f.client, &fakeCard{}, testIdentity(), &fakeForms{}, nil)
	_, err := session.Deliver(context.Background(), "aabbccdd", "svc")
	require.Error(t, err)
	assert.Equal(t, KindCrypto, KindOf(err))
	require.Len(t, f.errorReports, 1)
}

func TestSession_Deliver_Actions(t *testing.T) {
	f := newServiceFixture(t)
	f.fetches = []scriptedReply{
		{body: `{"operationType":"action","operationId":"op-4","actions":[{"name":"phonecall","description":"Activate by phone","parameters":{"number":"+46123"}}]}`},
		{body: completedOK},
	}

	forms := &fakeForms{}
	session := NewSession(f.client, &fakeCard{}, testIdentity(), forms, nil)

	_, err := session.Deliver(context.Background(), "aabbccdd", "svc")
	require.NoError(t, err)

	require.Len(t, forms.confirms, 1)
	assert.Equal(t, []string{"Activate by phone", "Please call +46123"}, forms.confirms[0])

	var opResult map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(f.fetchRequests[1]["operationResult"], &opResult))
	assert.JSONEq(t, `"op-4"`, string(opResult["operationId"]))
}

func TestSession_Deliver_RetriesWhileServiceNotReady(t *testing.T) {
	f := newServiceFixture(t)
	f.fetches = []scriptedReply{
		{status: 503, body: "not ready"},
		{status: 503, body: "not ready"},
		{body: completedOK},
	}

	session := NewSession(f.client, &fakeCard{}, testIdentity(), &fakeForms{}, nil)

	result, err := session.Deliver(context.Background(), "aabbccdd", "svc")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Len(t, f.fetchRequests, 3)
}

func TestSession_Deliver_TimesOut(t *testing.T) {
	f := newServiceFixture(t)
	f.fetches = []scriptedReply{
		{status: 503, body: "not ready"},
	}

	session := NewSession(f.client, &fakeCard{}, testIdentity(), &fakeForms{}, nil)
	session.SetTimeout(0)

	_, err := session.Deliver(context.Background(), "aabbccdd", "svc")
	require.Error(t, err)
	assert.Equal(t, KindTimeout, KindOf(err))

	// The failure is reported back, fatal.
	require.Len(t, f.errorReports, 1)
	assert.JSONEq(t, `true`, string(f.errorReports[0]["fatal"]))
}

func TestSession_Deliver_RetriesEmptyPoll(t *testing.T) {
	f := newServiceFixture(t)
	f.fetches = []scriptedReply{
		{status: 204},
		{body: completedOK},
	}

	session := NewSession(f.client, &fakeCard{}, testIdentity(), &fakeForms{}, nil)

	result, err := session.Deliver(context.Background(), "aabbccdd", "svc")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Len(t, f.fetchRequests, 2)
}

func TestSession_Deliver_Cancelled(t *testing.T) {
	f := newServiceFixture(t)

	session := NewSession(f.client, &fakeCard{}, testIdentity(), &fakeForms{}, nil)
	session.Cancel("user closed the lid")

	_, err := session.Deliver(context.Background(), "aabbccdd", "svc")
	require.Error(t, err)
	assert.Equal(t, KindCancelled, KindOf(err))
	assert.Contains(t, err.Error(), "user closed the lid")

	// Cancellation won the race before any operation was fetched.
	assert.Empty(t, f.fetchRequests)
	require.Len(t, f.errorReports, 1)
}

func TestSession_Deliver_SingleUse(t *testing.T) {
	f := newServiceFixture(t)
	f.fetches = []scriptedReply{{body: completedOK}}

	session := NewSession(f.client, &fakeCard{}, testIdentity(), &fakeForms{}, nil)

	_, err := session.Deliver(context.Background(), "aabbccdd", "svc")
	require.NoError(t, err)

	_, err = session.Deliver(context.Background(), "aabbccdd", "svc")
	require.Error(t, err)
	assert.Equal(t, KindProtocol, KindOf(err))
}

func TestSession_Deliver_PaidServiceRefused(t *testing.T) {
	f := newServiceFixture(t)
	f.serviceDoc = `{"description":{"title":"T"},"price":{"amount":"10.00","currency":"EUR"}}`

	session := NewSession(f.client, &fakeCard{}, testIdentity(), &fakeForms{}, nil)

	_, err := session.Deliver(context.Background(), "aabbccdd", "svc")
	require.Error(t, err)
	assert.Equal(t, KindProtocol, KindOf(err))
	assert.Contains(t, err.Error(), "payment")
	// Refused before anything was submitted.
	assert.Nil(t, f.deliverBody)
}

func TestSession_Deliver_FailedScriptIsNotAnError(t *testing.T) {
	f := newServiceFixture(t)
	f.fetches = []scriptedReply{
		{body: `{"completed":true,"status":{"success":false,"message":"script aborted","scriptStatus":"6A80"}}`},
	}

	session := NewSession(f.client, &fakeCard{}, testIdentity(), &fakeForms{}, nil)

	result, err := session.Deliver(context.Background(), "aabbccdd", "svc")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "script aborted", result.Message)
	require.NotNil(t, result.ScriptStatus)
	assert.Equal(t, "6A80", *result.ScriptStatus)
	assert.Empty(t, f.errorReports)
}

func TestSession_Deliver_CardFailureAborts(t *testing.T) {
	f := newServiceFixture(t)
	f.fetches = []scriptedReply{
		{body: `{"operationType":"transceive","operationId":"op-1"}`},
	}
	f.connector = []scriptedReply{
		{body: `{"commands":["00a40400"]}`},
	}

	card := &fakeCard{err: errors.New("card was removed")}
	session := NewSession(f.client, card, testIdentity(), &fakeForms{}, nil)

	_, err := session.Deliver(context.Background(), "aabbccdd", "svc")
	require.Error(t, err)
	assert.Equal(t, KindTransport, KindOf(err))
	require.Len(t, f.errorReports, 1)
	assert.JSONEq(t, `"sess-1"`, string(f.errorReports[0]["sessionId"]))
}

func TestSession_CleanupsRunOnce(t *testing.T) {
	f := newServiceFixture(t)
	f.fetches = []scriptedReply{{body: completedOK}}

	session := NewSession(f.client, &fakeCard{}, testIdentity(), &fakeForms{}, nil)
	ran := 0
	session.OnExit(func() { ran++ })

	_, err := session.Deliver(context.Background(), "aabbccdd", "svc")
	require.NoError(t, err)
	assert.Equal(t, 1, ran)

	// The second (refused) run must not re-trigger cleanups.
	session.Deliver(context.Background(), "aabbccdd", "svc")
	assert.Equal(t, 1, ran)
}
