package exchange

import (
	"net/http"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/luxfi/hftbench/pkg/protocol"
)

// BalanceResponse is returned by the balances endpoints.
type BalanceResponse struct {
	UserID   string            `json:"user_id"`
	Balances map[string]string `json:"balances"`
}

// handleAddBalance credits {amount} of {currency} to {user}.
func (s *Server) handleAddBalance(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("user")
	currency := strings.ToUpper(r.PathValue("currency"))

	amount, err := decimal.NewFromString(r.PathValue("amount"))
	if err != nil || amount.IsNegative() {
		http.Error(w, "invalid amount", http.StatusBadRequest)
		return
	}

	s.balancesMu.Lock()
	account, ok := s.balances[user]
	if !ok {
		account = make(map[string]decimal.Decimal)
		s.balances[user] = account
	}
	account[currency] = account[currency].Add(amount)
	s.balancesMu.Unlock()

	s.logger.Debug("Balance credited", "user", user, "currency", currency, "amount", amount.String())
	s.writeBalances(w, user)
}

func (s *Server) handleGetBalances(w http.ResponseWriter, r *http.Request) {
	s.writeBalances(w, r.PathValue("user"))
}

func (s *Server) writeBalances(w http.ResponseWriter, user string) {
	s.balancesMu.RLock()
	resp := BalanceResponse{UserID: user, Balances: make(map[string]string)}
	for currency, amount := range s.balances[user] {
		resp.Balances[currency] = amount.String()
	}
	s.balancesMu.RUnlock()

	writeJSON(w, resp)
}

// Balance returns the credited amount of currency for user.
func (s *Server) Balance(user, currency string) decimal.Decimal {
	s.balancesMu.RLock()
	defer s.balancesMu.RUnlock()
	return s.balances[user][strings.ToUpper(currency)]
}

// Accounts returns the funded user ids in order.
func (s *Server) Accounts() []string {
	s.balancesMu.RLock()
	users := make([]string, 0, len(s.balances))
	for user := range s.balances {
		users = append(users, user)
	}
	s.balancesMu.RUnlock()
	sort.Strings(users)
	return users
}

// handleHealth reports liveness and counters.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"status": "healthy",
		"stats":  s.Stats(),
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	data, err := protocol.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
