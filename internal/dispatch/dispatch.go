package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kwenda/dispatch/internal/models"
)

// Delivery pushes an offer to the selected driver. The matcher treats
// a delivery error as the driver being unreachable and moves on to the
// next candidate.
type Delivery struct {
	WS *WSRegistry
	// PushEndpoint is the driver-app backend used when the driver has
	// no live websocket. Empty disables the fallback.
	PushEndpoint string
	Client       *http.Client
}

func NewDelivery(ws *WSRegistry, pushEndpoint string) *Delivery {
	return &Delivery{
		WS:           ws,
		PushEndpoint: pushEndpoint,
		Client:       &http.Client{Timeout: 3 * time.Second},
	}
}

func (d *Delivery) Offer(ctx context.Context, offer models.MatchOffer) error {
	if d.WS != nil {
		if err := d.WS.Send(offer.DriverID, offer); err == nil {
			return nil
		}
	}
	if d.PushEndpoint == "" {
		return ErrNoSession
	}
	b, err := json.Marshal(offer)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.PushEndpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("dispatch: push endpoint returned %d", resp.StatusCode)
	}
	return nil
}
