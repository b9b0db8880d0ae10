// Package delivery implements the provisioning protocol between a secure
// element reachable over an APDU transport and the cloud orchestration
// service. The service drives the script; the session relays APDU batches,
// collects and optionally encrypts user input, surfaces out-of-band actions,
// and reports the terminal result.
package delivery

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/atomic"

	"github.com/gregLibert/card-provisioning/pkg/api"
	"github.com/gregLibert/card-provisioning/pkg/cardid"
	"github.com/gregLibert/card-provisioning/pkg/fieldcrypto"
	"github.com/gregLibert/card-provisioning/pkg/iso7816"
)

// DefaultTimeout is the wall-clock deadline of the fetch loop, measured from
// the last successful fetch. The server long-polls and answers 503 while an
// operation is pending elsewhere; the session keeps re-fetching until this
// much time has passed without progress.
const DefaultTimeout = 15 * time.Minute

// A fetch sub-call may legitimately answer "no result yet" (204). Such polls
// are retried with a short fixed delay a bounded number of times before the
// session gives up.
const (
	fetchRetryAttempts = 5
	fetchRetryDelay    = 500 * time.Millisecond
)

// Session drives one service delivery against one card. A session is
// single-use: it performs exactly one delivery, and reusing it is a usage
// error. It is not safe for concurrent use; Cancel is the only method that
// may be called from another goroutine.
type Session struct {
	client   *api.Client
	card     iso7816.Transmitter
	identity *cardid.Identity
	forms    FormHandler
	log      *slog.Logger

	timeout time.Duration

	// cancelMessage doubles as the cancellation flag: non-empty means an
	// abort was requested. Polled at the loop head and immediately before
	// each card transmission, never mid-exchange.
	cancelMessage atomic.String
	used          atomic.Bool

	cleanupMu   sync.Mutex
	cleanups    []func()
	cleanupOnce sync.Once
}

// NewSession builds a session. All collaborators are required except log,
// which defaults to a discarding logger.
func NewSession(client *api.Client, card iso7816.Transmitter, identity *cardid.Identity, forms FormHandler, log *slog.Logger) *Session {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Session{
		client:   client,
		card:     card,
		identity: identity,
		forms:    forms,
		log:      log,
		timeout:  DefaultTimeout,
	}
}

// SetTimeout overrides the session deadline. Only effective before Deliver
// is called.
func (s *Session) SetTimeout(d time.Duration) {
	s.timeout = d
}

// Cancel requests an abort with the given user-facing message. The session
// observes the flag at the next loop head or before the next card
// transmission; an APDU exchange already in flight is never interrupted.
func (s *Session) Cancel(message string) {
	if message == "" {
		message = "delivery cancelled"
	}
	s.cancelMessage.Store(message)
}

// OnExit registers a cleanup action that runs exactly once when Deliver
// exits, on every path: completion, error, or cancellation.
func (s *Session) OnExit(fn func()) {
	s.cleanupMu.Lock()
	defer s.cleanupMu.Unlock()
	s.cleanups = append(s.cleanups, fn)
}

func (s *Session) runCleanups() {
	s.cleanupOnce.Do(func() {
		s.cleanupMu.Lock()
		cleanups := s.cleanups
		s.cleanups = nil
		s.cleanupMu.Unlock()
		for _, fn := range cleanups {
			fn()
		}
	})
}

// Wire shapes of the delivery endpoints.

type wireCardID struct {
	IIN             string `json:"iin"`
	CIN             string `json:"cin"`
	PlatformVersion int    `json:"platformVersion"`
}

type deliveryRequest struct {
	AppID     string            `json:"appId"`
	ServiceID string            `json:"serviceId"`
	CardID    wireCardID        `json:"cardId"`
	Fields    map[string]string `json:"fields"`
	Email     string            `json:"email,omitempty"`
	MSISDN    string            `json:"msisdn,omitempty"`
}

type operationResult struct {
	OperationID  json.RawMessage   `json:"operationId"`
	Fields       map[string]string `json:"fields,omitempty"`
	StatusCode   int               `json:"statusCode,omitempty"`
	EphemeralKey string            `json:"ephemeralKey,omitempty"`
}

type fetchRequest struct {
	SessionID       string           `json:"sessionId"`
	OperationResult *operationResult `json:"operationResult,omitempty"`
}

type transmitRequest struct {
	UUID      json.RawMessage `json:"uuid"`
	Open      bool            `json:"open"`
	Responses []string        `json:"responses"`
}

// Deliver performs the delivery of service serviceID of application appID to
// the card. It blocks until the server reports completion, an unrecoverable
// error occurs, the session deadline passes, or the session is cancelled.
func (s *Session) Deliver(ctx context.Context, appID, serviceID string) (*Result, error) {
	if !s.used.CompareAndSwap(false, true) {
		return nil, errf(KindProtocol, "session is single-use; create a new one per delivery")
	}
	defer s.runCleanups()

	// Device metadata: issuer id and declared platform version.
	device, err := s.lookupDevice(ctx)
	if err != nil {
		return nil, err
	}

	// Service description: price gate, certificate, required fields.
	service, err := s.lookupService(ctx, appID, serviceID)
	if err != nil {
		return nil, err
	}

	request, err := s.buildDeliveryRequest(appID, serviceID, device, service)
	if err != nil {
		return nil, err
	}

	document, err := s.client.Post(ctx, s.client.URL(api.ServiceDeliverURL), request)
	if err != nil {
		return nil, remoteOr(err, "submitting delivery request")
	}
	var submitted struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(document, &submitted); err != nil || submitted.SessionID == "" {
		return nil, errf(KindProtocol, "delivery response carries no session id")
	}

	s.log.Info("delivering service", "title", service.Description.Title.String(), "sessionId", submitted.SessionID)

	result, err := s.fetchLoop(ctx, submitted.SessionID, service.publicKey)
	if err != nil {
		s.notifyFailure(submitted.SessionID, err)
		return nil, err
	}
	return result, nil
}

// deviceInfo is the subset of the device lookup the session consumes.
type deviceInfo struct {
	IIN             []byte
	PlatformVersion int
}

func (s *Session) lookupDevice(ctx context.Context) (*deviceInfo, error) {
	url := s.client.URL(api.DevicesURL,
		hex.EncodeToString(s.identity.CIN),
		strconv.FormatUint(uint64(s.identity.BatchID), 10))

	document, err := s.client.Get(ctx, url)
	if err != nil {
		return nil, remoteOr(err, "device lookup")
	}

	var parsed struct {
		IIN         string `json:"iin"`
		Description struct {
			Capabilities struct {
				PlatformVersion int `json:"platformVersion"`
			} `json:"capabilities"`
		} `json:"description"`
	}
	if document == nil || json.Unmarshal(document, &parsed) != nil {
		return nil, errf(KindProtocol, "malformed device description")
	}
	iin, err := hex.DecodeString(parsed.IIN)
	if err != nil {
		return nil, errf(KindProtocol, "device description carries an invalid iin %q", parsed.IIN)
	}

	return &deviceInfo{IIN: iin, PlatformVersion: parsed.Description.Capabilities.PlatformVersion}, nil
}

// serviceInfo is the subset of the service description the session consumes.
type serviceInfo struct {
	Description struct {
		Title          api.Localized  `json:"title"`
		Certificate    string         `json:"certificate"`
		FieldsRequired []wireField    `json:"fieldsRequired"`
		EmailRequired  *api.Localized `json:"emailRequired"`
		MSISDNRequired *api.Localized `json:"msisdnRequired"`
	} `json:"description"`
	Price json.RawMessage `json:"price"`

	publicKey *rsa.PublicKey
}

func (s *Session) lookupService(ctx context.Context, appID, serviceID string) (*serviceInfo, error) {
	url := s.client.URL(api.ServiceForCardURL, appID, serviceID, hex.EncodeToString(s.identity.CIN))
	document, err := s.client.Get(ctx, url)
	if err != nil {
		return nil, remoteOr(err, "service lookup")
	}

	var service serviceInfo
	if document == nil || json.Unmarshal(document, &service) != nil {
		return nil, errf(KindProtocol, "malformed service description")
	}

	// Paid services need the wallet flow of the mobile client.
	if len(service.Price) > 0 {
		return nil, errf(KindProtocol, "services requiring payment are not supported by this client")
	}

	// The certificate, when present, provides the service provider's public
	// key for field encryption.
	if service.Description.Certificate != "" {
		der, err := hex.DecodeString(service.Description.Certificate)
		if err != nil {
			return nil, errf(KindProtocol, "service certificate is not valid hex")
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, wrapErr(KindCrypto, "could not extract public key of service provider", err)
		}
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return nil, errf(KindCrypto, "service certificate does not carry an RSA public key")
		}
		service.publicKey = pub
	}

	return &service, nil
}

func (s *Session) buildDeliveryRequest(appID, serviceID string, device *deviceInfo, service *serviceInfo) (*deliveryRequest, error) {
	fields := fieldsFromWire(service.Description.FieldsRequired)

	// Old style single fields: lifted out of the generic field map into
	// top-level request keys.
	if service.Description.EmailRequired != nil {
		fields = append(fields, Field{ID: "email", Label: service.Description.EmailRequired.String(), Type: FieldEdit})
	}
	if service.Description.MSISDNRequired != nil {
		fields = append(fields, Field{ID: "msisdn", Label: service.Description.MSISDNRequired.String(), Type: FieldEdit})
	}

	input, err := s.forms.ProcessForm(fields)
	if err != nil {
		return nil, wrapErr(KindCancelled, "field collection aborted", err)
	}

	request := &deliveryRequest{
		AppID:     appID,
		ServiceID: serviceID,
		CardID: wireCardID{
			IIN:             hex.EncodeToString(device.IIN),
			CIN:             hex.EncodeToString(s.identity.CIN),
			PlatformVersion: device.PlatformVersion,
		},
		Fields: make(map[string]string),
	}

	for id, field := range input {
		switch id {
		case "email":
			if service.Description.EmailRequired != nil {
				request.Email = field.Value
				continue
			}
		case "msisdn":
			if service.Description.MSISDNRequired != nil {
				request.MSISDN = field.Value
				continue
			}
		}
		request.Fields[id] = field.Value
	}

	return request, nil
}

// fetchLoop drives the operation dispatch until the server reports
// completion. At most one fetch request is outstanding at any time, and the
// loop never advances to the next operation until the current one's result
// has been folded into the next fetch request.
func (s *Session) fetchLoop(ctx context.Context, sessionID string, spKey *rsa.PublicKey) (*Result, error) {
	request := fetchRequest{SessionID: sessionID}
	lastActivity := time.Now()

	for {
		if err := s.interruptionPoint(ctx); err != nil {
			return nil, err
		}

		document, err := s.fetchWithRetry(ctx, &request)
		if err != nil {
			// A 503 means the server-side operation is not ready; keep
			// polling until the session deadline, measured from the last
			// successful fetch, runs out.
			var remote *Error
			if errors.As(err, &remote) && remote.Kind == KindRemote && statusCodeOf(remote) == 503 {
				elapsed := time.Since(lastActivity)
				if elapsed < s.timeout {
					s.log.Warn("service not ready, retrying", "remaining", (s.timeout - elapsed).Round(time.Second))
					continue
				}
				return nil, wrapErr(KindTimeout, "session deadline exceeded", err)
			}
			return nil, err
		}
		lastActivity = time.Now()

		operation, err := parseFetchResponse(document)
		if err != nil {
			return nil, err
		}

		switch op := operation.(type) {
		case Completed:
			result := &Result{
				SessionID:    sessionID,
				Success:      op.Success,
				Message:      op.Message,
				ScriptStatus: op.ScriptStatus,
			}
			if result.Success {
				s.log.Info("delivery succeeded", "message", result.Message)
			} else {
				s.log.Info("delivery failed", "message", result.Message)
			}
			return result, nil

		case Transceive:
			request, err = s.processTransceive(ctx, sessionID, op)
		case UserInteraction:
			request, err = s.processUserInteraction(ctx, sessionID, op, spKey)
		case Action:
			request, err = s.processActions(ctx, sessionID, op)
		default:
			return nil, errf(KindProtocol, "unsupported operation variant %T", operation)
		}
		if err != nil {
			return nil, err
		}
	}
}

// fetchWithRetry posts a fetch request, retrying the bounded number of times
// while the server answers "no result yet" (an empty 204 body, distinct from
// an error). The retry is a counted iterative loop inside backoff.Retry;
// real errors abort immediately.
func (s *Session) fetchWithRetry(ctx context.Context, request *fetchRequest) (json.RawMessage, error) {
	var document json.RawMessage

	operation := func() error {
		var err error
		document, err = s.client.Post(ctx, s.client.URL(api.ServiceFetchURL), request)
		if err != nil {
			return backoff.Permanent(remoteOr(err, "fetch"))
		}
		if document == nil {
			return errf(KindRemote, "no fetch result yet")
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(fetchRetryDelay), fetchRetryAttempts),
		ctx)

	if err := backoff.Retry(operation, policy); err != nil {
		var tagged *Error
		if errors.As(err, &tagged) {
			return nil, tagged
		}
		return nil, wrapErr(KindRemote, "unable to fetch request after all retries", err)
	}
	return document, nil
}

// processTransceive relays APDU batches between the connector endpoint and
// the card until the server signals that no commands remain, then resumes
// the main loop with an empty fetch request.
func (s *Session) processTransceive(ctx context.Context, sessionID string, op Transceive) (fetchRequest, error) {
	request := transmitRequest{
		UUID:      op.OperationID,
		Open:      true,
		Responses: []string{}, // empty, to signal "start sending"
	}

	for {
		document, err := s.client.Post(ctx, s.client.URL(api.ConnectorURL), request)
		if err != nil {
			return fetchRequest{}, remoteOr(err, "transceive")
		}

		var batch struct {
			Commands []string `json:"commands"`
		}
		if document == nil || json.Unmarshal(document, &batch) != nil {
			return fetchRequest{}, errf(KindProtocol, "malformed transceive batch")
		}
		if len(batch.Commands) == 0 {
			break
		}

		responses := make([]string, 0, len(batch.Commands))
		for _, command := range batch.Commands {
			if err := s.interruptionPoint(ctx); err != nil {
				return fetchRequest{}, err
			}
			response, err := s.transmit(command)
			if err != nil {
				return fetchRequest{}, err
			}
			responses = append(responses, response)
		}
		request.Responses = responses
	}

	return fetchRequest{SessionID: sessionID}, nil
}

// transmit relays one hex-encoded command APDU to the card and returns the
// hex-encoded raw response.
func (s *Session) transmit(command string) (string, error) {
	raw, err := hex.DecodeString(command)
	if err != nil {
		return "", errf(KindProtocol, "server sent a non-hex command APDU")
	}
	response, err := s.card.Transmit(raw)
	if err != nil {
		return "", wrapErr(KindTransport, "APDU exchange failed", err)
	}
	return hex.EncodeToString(response), nil
}

// processUserInteraction collects the requested field values and folds them,
// encrypted when the server demands it, into the next fetch request.
func (s *Session) processUserInteraction(ctx context.Context, sessionID string, op UserInteraction, spKey *rsa.PublicKey) (fetchRequest, error) {
	if op.Encrypted && spKey == nil {
		return fetchRequest{}, errf(KindCrypto, "encryption required but no service provider public key available")
	}

	input, err := s.forms.ProcessForm(op.Fields)
	if err != nil {
		return fetchRequest{}, wrapErr(KindCancelled, "field collection aborted", err)
	}

	var sessionKey []byte
	if op.Encrypted {
		sessionKey, err = fieldcrypto.GenerateEphemeralKey()
		if err != nil {
			return fetchRequest{}, wrapErr(KindCrypto, "could not handle response encryption", err)
		}
	}

	values := make(map[string]string, len(input))
	for id, field := range input {
		if err := s.interruptionPoint(ctx); err != nil {
			return fetchRequest{}, err
		}

		payload := field.Value
		if field.Type == FieldPaymentCard {
			card, err := ParsePaymentCard(field.Value)
			if err != nil {
				return fetchRequest{}, errf(KindProtocol, "field %s: %v", id, err)
			}
			if payload, err = card.payload(); err != nil {
				return fetchRequest{}, wrapErr(KindProtocol, "field "+id, err)
			}
		}

		if op.Encrypted {
			ciphertext, err := fieldcrypto.Encrypt(payload, sessionKey)
			if err != nil {
				return fetchRequest{}, wrapErr(KindCrypto, "could not handle response encryption", err)
			}
			payload = hex.EncodeToString(ciphertext)
		}
		values[id] = payload
	}

	result := &operationResult{
		OperationID: op.OperationID,
		Fields:      values,
		StatusCode:  200,
	}
	if op.Encrypted {
		wrapped, err := fieldcrypto.WrapKey(spKey, sessionKey)
		if err != nil {
			return fetchRequest{}, wrapErr(KindCrypto, "could not handle response encryption", err)
		}
		result.EphemeralKey = hex.EncodeToString(wrapped)
	}

	return fetchRequest{SessionID: sessionID, OperationResult: result}, nil
}

// processActions surfaces each named action to the user and blocks for
// acknowledgement before continuing. Unsupported action names fall back to a
// generic description plus acknowledgement.
func (s *Session) processActions(ctx context.Context, sessionID string, op Action) (fetchRequest, error) {
	for _, action := range op.Actions {
		if err := s.interruptionPoint(ctx); err != nil {
			return fetchRequest{}, err
		}

		var err error
		switch action.Name {
		case "phonecall":
			err = s.forms.Confirm(action.Description, "Please call "+action.Parameters["number"])
		default:
			err = s.forms.Confirm(action.Description)
		}
		if err != nil {
			return fetchRequest{}, wrapErr(KindCancelled, "action not acknowledged", err)
		}
	}

	return fetchRequest{
		SessionID:       sessionID,
		OperationResult: &operationResult{OperationID: op.OperationID},
	}, nil
}

// notifyFailure tells the server the session failed. Fire-and-forget: a
// failure to notify is logged, never escalated over the original error.
func (s *Session) notifyFailure(sessionID string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := s.client.Post(ctx, s.client.URL(api.DeliveryErrorURL), map[string]any{
		"sessionId": sessionID,
		"message":   cause.Error(),
		"fatal":     true,
	})
	if err != nil {
		s.log.Warn("could not report delivery failure", "sessionId", sessionID, "err", err)
	}
}

// interruptionPoint checks the cancellation flag and the context. Called at
// the top of each loop iteration and immediately before each APDU is sent to
// the card.
func (s *Session) interruptionPoint(ctx context.Context) error {
	if message := s.cancelMessage.Load(); message != "" {
		s.log.Info("delivery interrupted", "message", message)
		return errf(KindCancelled, "%s", message)
	}
	if err := ctx.Err(); err != nil {
		return wrapErr(KindCancelled, "delivery aborted", err)
	}
	return nil
}

// remoteOr maps an *api.RemoteError to KindRemote and anything else to a
// wrapped transport-level remote failure.
func remoteOr(err error, msg string) error {
	if remote, ok := err.(*api.RemoteError); ok {
		return &Error{Kind: KindRemote, msg: msg, err: remote}
	}
	return wrapErr(KindRemote, msg, err)
}

// statusCodeOf extracts the HTTP status of a KindRemote error, or 0.
func statusCodeOf(err *Error) int {
	var remote *api.RemoteError
	if errors.As(err, &remote) {
		return remote.StatusCode
	}
	return 0
}
