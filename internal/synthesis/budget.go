package synthesis

import (
	"math"

	"github.com/mkallin/ctxd/internal/storage"
	"github.com/mkallin/ctxd/internal/task"
)

// Default completion-window split.
const (
	DefaultTotalBudget     = 8000
	DefaultResponseReserve = 2000
)

// TokenBudget divides a completion window between injected context and
// the room reserved for the model's response. Allocation maps context
// types to their token shares after task adjustment. The values may sum
// past ContextBudget since adjustments are not re-normalized; the
// injector's hard ceiling catches the overflow.
type TokenBudget struct {
	Total           int
	ResponseReserve int
	Allocation      map[string]int
}

// ContextBudget is the portion of Total available for context sections.
func (b TokenBudget) ContextBudget() int {
	if cb := b.Total - b.ResponseReserve; cb > 0 {
		return cb
	}
	return 0
}

// baseShares splits the context budget across types before task tuning.
// The shares sum to 1.
var baseShares = map[string]float64{
	storage.TypeFile:          0.30,
	storage.TypeSymbol:        0.15,
	storage.TypeDocumentation: 0.20,
	storage.TypeConversation:  0.15,
	storage.TypeError:         0.10,
	storage.TypeArchitecture:  0.10,
}

// typeMultipliers tunes the base shares per task, indexed by task id.
// Types not listed keep factor 1.0; a nil row keeps every type at 1.0.
var typeMultipliers = [task.Count]map[string]float64{
	task.BugFix: {
		storage.TypeError:         1.5,
		storage.TypeFile:          1.2,
		storage.TypeDocumentation: 0.7,
	},
	task.FeatureAdd: {
		storage.TypeArchitecture:  1.4,
		storage.TypeDocumentation: 1.2,
		storage.TypeError:         0.6,
	},
	task.Refactor: {
		storage.TypeSymbol:       1.5,
		storage.TypeFile:         1.3,
		storage.TypeConversation: 0.6,
	},
	task.CodeReview: {
		storage.TypeFile:         1.4,
		storage.TypeSymbol:       1.3,
		storage.TypeConversation: 0.5,
	},
	task.Testing: {
		storage.TypeSymbol:        1.4,
		storage.TypeError:         1.2,
		storage.TypeDocumentation: 0.8,
	},
	task.Documentation: {
		storage.TypeDocumentation: 1.6,
		storage.TypeArchitecture:  1.2,
		storage.TypeError:         0.4,
	},
	task.Architecture: {
		storage.TypeArchitecture:  1.8,
		storage.TypeDocumentation: 1.3,
		storage.TypeFile:          0.7,
	},
	task.Performance: {
		storage.TypeSymbol:        1.4,
		storage.TypeFile:          1.2,
		storage.TypeDocumentation: 0.6,
	},
	task.Security: {
		storage.TypeError:        1.4,
		storage.TypeFile:         1.3,
		storage.TypeConversation: 0.5,
	},
	task.Migration: {
		storage.TypeArchitecture:  1.3,
		storage.TypeFile:          1.2,
		storage.TypeDocumentation: 1.1,
	},
	task.Explanation: {
		storage.TypeDocumentation: 1.5,
		storage.TypeConversation:  1.2,
		storage.TypeError:         0.5,
	},
	task.DependencyUpdate: {
		storage.TypeDocumentation: 1.3,
		storage.TypeError:         1.1,
		storage.TypeConversation:  0.6,
	},
	task.Prototyping: {
		storage.TypeFile:         1.2,
		storage.TypeArchitecture: 1.2,
		storage.TypeError:        0.5,
	},
}

// BudgetFor computes the task-adjusted allocation. Non-positive total
// or reserve fall back to the defaults.
func BudgetFor(t task.Type, total, reserve int) TokenBudget {
	if total <= 0 {
		total = DefaultTotalBudget
	}
	if reserve <= 0 {
		reserve = DefaultResponseReserve
	}
	b := TokenBudget{
		Total:           total,
		ResponseReserve: reserve,
		Allocation:      make(map[string]int, len(baseShares)),
	}
	cb := float64(b.ContextBudget())
	for typ, share := range baseShares {
		b.Allocation[typ] = int(math.Round(cb * share * multiplierFor(t, typ)))
	}
	return b
}

func multiplierFor(t task.Type, contextType string) float64 {
	if t < 0 || int(t) >= task.Count {
		t = task.General
	}
	row := typeMultipliers[t]
	if row == nil {
		return 1.0
	}
	if f, ok := row[contextType]; ok {
		return f
	}
	return 1.0
}
