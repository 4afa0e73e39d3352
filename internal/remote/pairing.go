package remote

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/beaconsafe/sentinel/errs"
	"github.com/beaconsafe/sentinel/internal/domain/identitystore"
	"github.com/beaconsafe/sentinel/internal/observability"
)

// PairingState is the hub-side view of a pairing request. The set is closed:
// any status the remote reports outside it maps to StateError.
type PairingState string

const (
	StatePending PairingState = "pending"
	StatePaired  PairingState = "paired"
	StateExpired PairingState = "expired"
	StateError   PairingState = "error"
)

// pairingTransitions lists the legal moves. Pending is the only non-terminal
// state; a paired, expired, or errored request never changes again.
var pairingTransitions = map[PairingState][]PairingState{
	StatePending: {StatePending, StatePaired, StateExpired, StateError},
	StatePaired:  {},
	StateExpired: {},
	StateError:   {},
}

// ParsePairingState maps a remote-reported status onto the closed state set.
func ParsePairingState(raw string) PairingState {
	switch PairingState(strings.ToLower(strings.TrimSpace(raw))) {
	case StatePending:
		return StatePending
	case StatePaired:
		return StatePaired
	case StateExpired:
		return StateExpired
	default:
		return StateError
	}
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to PairingState) bool {
	for _, next := range pairingTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PairingTicket is the remote's answer to a pairing request: an operator
// enters the code at the authority to approve this hub.
type PairingTicket struct {
	RequestID string    `json:"request_id"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

// PairingStatusResponse reports where a pairing request currently stands.
// HubID and Token are populated only once Status is paired.
type PairingStatusResponse struct {
	Status string `json:"status"`
	HubID  string `json:"hub_id"`
	Token  string `json:"token"`
}

// RequestPairing opens a new pairing request with the remote authority. The
// call is unauthenticated; credentials do not exist yet.
func (c *Client) RequestPairing(ctx context.Context, hubName string) (PairingTicket, error) {
	body := struct {
		HubName string `json:"hub_name"`
	}{HubName: hubName}

	encoded, err := marshalBody(body)
	if err != nil {
		return PairingTicket{}, err
	}
	resp, err := c.do(ctx, "POST", "/pairing/request", encoded)
	if err != nil {
		return PairingTicket{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var ticket PairingTicket
	if err := decodeBody(resp.Body, &ticket); err != nil {
		return PairingTicket{}, errs.New(componentName, errs.CodeRemote,
			errs.WithMessage("decode pairing ticket"), errs.WithCause(err))
	}
	if strings.TrimSpace(ticket.RequestID) == "" {
		return PairingTicket{}, errs.New(componentName, errs.CodeRemote,
			errs.WithMessage("pairing ticket missing request id"))
	}
	return ticket, nil
}

// PairingStatus polls the remote for the state of an open pairing request.
func (c *Client) PairingStatus(ctx context.Context, requestID string) (PairingStatusResponse, error) {
	var status PairingStatusResponse
	endpoint := fmt.Sprintf("/pairing/%s/status", url.PathEscape(requestID))
	if err := c.getJSON(ctx, endpoint, nil, &status); err != nil {
		return PairingStatusResponse{}, err
	}
	return status, nil
}

// Pairer drives the pairing handshake to completion and persists the issued
// identity so later boots skip the handshake entirely.
type Pairer struct {
	client     *Client
	identities identitystore.Store
	hubName    string
}

// NewPairer constructs a Pairer bound to one client and identity store.
func NewPairer(client *Client, identities identitystore.Store, hubName string) *Pairer {
	return &Pairer{client: client, identities: identities, hubName: hubName}
}

// EnsurePaired installs credentials on the client, pairing with the remote
// authority first if no identity has ever been persisted. It blocks until
// paired or the context ends; expired requests are reopened automatically.
func (p *Pairer) EnsurePaired(ctx context.Context) error {
	identity, err := p.identities.Load(ctx)
	switch {
	case err == nil:
		p.client.SetCredentials(Credentials{HubID: identity.HubID, Token: identity.Token})
		return nil
	case !isNotFound(err):
		return fmt.Errorf("load hub identity: %w", err)
	}

	identity, err = p.pair(ctx)
	if err != nil {
		return err
	}
	if err := p.identities.Save(ctx, identity); err != nil {
		return fmt.Errorf("persist hub identity: %w", err)
	}
	p.client.SetCredentials(Credentials{HubID: identity.HubID, Token: identity.Token})
	return nil
}

func (p *Pairer) pair(ctx context.Context) (identitystore.Identity, error) {
	policy := registerBackoff()

	for {
		ticket, err := p.client.RequestPairing(ctx, p.hubName)
		if err != nil {
			observability.Log().Error("pairing request failed",
				observability.Field{Key: "error", Value: err.Error()})
			if sleepErr := sleepBackoff(ctx, policy); sleepErr != nil {
				return identitystore.Identity{}, sleepErr
			}
			continue
		}
		policy.Reset()

		observability.Log().Info("pairing requested",
			observability.Field{Key: "request_id", Value: ticket.RequestID},
			observability.Field{Key: "code", Value: ticket.Code})

		identity, state, err := p.poll(ctx, ticket.RequestID)
		if err != nil {
			return identitystore.Identity{}, err
		}
		switch state {
		case StatePaired:
			return identity, nil
		case StateExpired:
			observability.Log().Info("pairing request expired, reopening",
				observability.Field{Key: "request_id", Value: ticket.RequestID})
			continue
		default:
			return identitystore.Identity{}, errs.New(componentName, errs.CodeRemote,
				errs.WithMessage(fmt.Sprintf("pairing request %s entered state %s", ticket.RequestID, state)),
				errs.WithRemediation("inspect the pairing request at the remote authority"))
		}
	}
}

// poll watches one pairing request until it leaves the pending state.
func (p *Pairer) poll(ctx context.Context, requestID string) (identitystore.Identity, PairingState, error) {
	policy := registerBackoff()
	state := StatePending

	for {
		if err := sleepBackoff(ctx, policy); err != nil {
			return identitystore.Identity{}, state, err
		}

		status, err := p.client.PairingStatus(ctx, requestID)
		if err != nil {
			observability.Log().Error("pairing status poll failed",
				observability.Field{Key: "request_id", Value: requestID},
				observability.Field{Key: "error", Value: err.Error()})
			continue
		}

		next := ParsePairingState(status.Status)
		if !CanTransition(state, next) {
			return identitystore.Identity{}, StateError, errs.New(componentName, errs.CodeRemote,
				errs.WithMessage(fmt.Sprintf("illegal pairing transition %s -> %s", state, next)))
		}
		state = next

		switch state {
		case StatePaired:
			if strings.TrimSpace(status.HubID) == "" || strings.TrimSpace(status.Token) == "" {
				return identitystore.Identity{}, StateError, errs.New(componentName, errs.CodeRemote,
					errs.WithMessage("paired response missing credentials"))
			}
			return identitystore.Identity{
				HubID:    status.HubID,
				Token:    status.Token,
				PairedAt: time.Now().UTC(),
			}, StatePaired, nil
		case StateExpired, StateError:
			return identitystore.Identity{}, state, nil
		}
	}
}

func sleepBackoff(ctx context.Context, policy *backoff.ExponentialBackOff) error {
	sleep := policy.NextBackOff()
	if sleep == backoff.Stop {
		sleep = registerMaxInterval
	}
	timer := time.NewTimer(sleep)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isNotFound(err error) bool {
	code, ok := errs.CodeOf(err)
	return ok && code == errs.CodeNotFound
}
