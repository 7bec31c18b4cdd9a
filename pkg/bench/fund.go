package bench

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"golang.org/x/sync/errgroup"
)

// BalancesPath is the funding endpoint, completed by
// /{user}/{currency}/{amount}.
const BalancesPath = "/private/account/user/balances"

// Fund credits FUND_AMOUNT of every coin pair currency to the account of
// each client before the sessions start.
func (r *Runner) Fund(ctx context.Context) error {
	currencies := r.cfg.Currencies()
	amount := r.cfg.FundAmount.String()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i := 0; i < r.cfg.ExchangeClientCount; i++ {
		user := r.cfg.ClientToken(i)
		for _, currency := range currencies {
			g.Go(func() error {
				return r.credit(ctx, user, currency, amount)
			})
		}
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("fund accounts: %w", err)
	}

	r.logger.Info("Accounts funded",
		"clients", r.cfg.ExchangeClientCount,
		"currencies", len(currencies),
		"amount", amount)
	return nil
}

func (r *Runner) credit(ctx context.Context, user, currency, amount string) error {
	endpoint := r.cfg.HTTPURL() + BalancesPath + "/" +
		url.PathEscape(user) + "/" + url.PathEscape(currency) + "/" + url.PathEscape(amount)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("credit %s %s: %w", user, currency, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("credit %s %s: unexpected status %s", user, currency, resp.Status)
	}
	r.logger.Debug("Balance credited", "user", user, "currency", currency, "amount", amount)
	return nil
}
