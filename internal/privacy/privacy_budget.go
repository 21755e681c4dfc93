package privacy

import (
	"fmt"
	"sync"
	"time"

	"github.com/inferloop/privtrace/pkg/constants"
	"github.com/inferloop/privtrace/pkg/errors"
)

// Purposes of the noisy releases within one run.
const (
	PurposeTotalMass        = "total_mass"
	PurposeLevel1Density    = "level1_density"
	PurposeLevel2Density    = "level2_density"
	PurposeTransitionCounts = "transition_counts"
)

// BudgetTransaction records one noisy release.
type BudgetTransaction struct {
	Purpose     string    `json:"purpose"`
	EpsilonUsed float64   `json:"epsilon_used"`
	Mechanism   string    `json:"mechanism"`
	Timestamp   time.Time `json:"timestamp"`
}

// Budget tracks the sequential composition of the releases of a single run. It is not
// an accountant across runs.
type Budget struct {
	mu           sync.Mutex
	total        float64
	consumed     float64
	transactions []BudgetTransaction
}

// NewBudget creates a budget holding total epsilon.
func NewBudget(total float64) *Budget {
	return &Budget{total: total}
}

// Spend records a release and fails when it would exceed the total.
func (b *Budget) Spend(purpose, mechanism string, epsilon float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if epsilon <= 0 {
		return errors.NewAppError(errors.ErrorTypePrivacy, errors.CodeNoiseFailed,
			fmt.Sprintf("release %q needs a positive epsilon, got %f", purpose, epsilon))
	}
	if b.consumed+epsilon > b.total+constants.PartitionTolerance {
		return errors.NewAppError(errors.ErrorTypePrivacy, errors.CodeNoiseFailed,
			fmt.Sprintf("release %q with epsilon %f exceeds the remaining budget %f", purpose, epsilon, b.total-b.consumed))
	}

	b.consumed += epsilon
	b.transactions = append(b.transactions, BudgetTransaction{
		Purpose:     purpose,
		EpsilonUsed: epsilon,
		Mechanism:   mechanism,
		Timestamp:   time.Now(),
	})
	return nil
}

// Consumed returns the epsilon spent so far.
func (b *Budget) Consumed() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consumed
}

// Remaining returns the epsilon left.
func (b *Budget) Remaining() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total - b.consumed
}

// Transactions returns a copy of the recorded releases.
func (b *Budget) Transactions() []BudgetTransaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]BudgetTransaction, len(b.transactions))
	copy(out, b.transactions)
	return out
}
