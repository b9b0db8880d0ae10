package delivery

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gregLibert/card-provisioning/pkg/api"
	"github.com/gregLibert/card-provisioning/pkg/cardid"
	"github.com/gregLibert/card-provisioning/pkg/iso7816"
)

// DeliverRecipes uploads each recipe as a temporary service under the
// caller's application and delivers them to the card in order, stopping at
// the first failure. Each uploaded recipe is removed again when its session
// exits, whatever the outcome.
//
// Recipe delivery drives raw provisioning scripts and is only meaningful for
// cards whose batch is known; identities resolved through the server-side
// fallback are refused.
func DeliverRecipes(ctx context.Context, client *api.Client, card iso7816.Transmitter, identity *cardid.Identity, forms FormHandler, log *slog.Logger, recipes []json.RawMessage) error {
	if !identity.Batched {
		return errf(KindProtocol, "card batch is unknown, delivery of recipes is not possible")
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	for _, recipe := range recipes {
		if err := deliverRecipe(ctx, client, card, identity, forms, log, recipe); err != nil {
			return err
		}
	}
	return nil
}

func deliverRecipe(ctx context.Context, client *api.Client, card iso7816.Transmitter, identity *cardid.Identity, forms FormHandler, log *slog.Logger, recipe json.RawMessage) error {
	serviceID := uuid.NewString()
	url := client.URL(api.ServiceRecipeURL, client.AppID(), serviceID)

	if err := client.Put(ctx, url, recipe); err != nil {
		return remoteOr(err, "uploading recipe")
	}
	log.Info("delivering recipe", "serviceId", serviceID)

	session := NewSession(client, card, identity, forms, log)
	session.OnExit(func() {
		// Best effort; a leftover recipe expires server-side.
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := client.Delete(cleanupCtx, url); err != nil {
			log.Warn("could not remove recipe", "serviceId", serviceID, "err", err)
		}
	})

	result, err := session.Deliver(ctx, client.AppID(), serviceID)
	if err != nil {
		return err
	}
	if !result.Success {
		return errf(KindProtocol, "recipe delivery failed: %s", result.Message)
	}
	return nil
}
