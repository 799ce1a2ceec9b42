package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shaiso/genflow/internal/domain"
)

// Outputs — хранилище outputs узлов одного run: node → {key → value}.
//
// Хранилище append-only: после Record outputs узла не меняются до конца run.
// Запись разных узлов из разных горутин безопасна. Record — единственная точка,
// в которой outputs становятся видимыми читателям, поэтому узел не может быть
// виден частично.
type Outputs struct {
	mu    sync.RWMutex
	nodes map[string]map[string]any
}

// NewOutputs создаёт пустое хранилище.
func NewOutputs() *Outputs {
	return &Outputs{
		nodes: make(map[string]map[string]any),
	}
}

// Record записывает outputs узла.
// Возвращает ErrOutputsAlreadyRecorded, если узел уже записан.
func (o *Outputs) Record(node string, outputs map[string]any) error {
	committed := domain.CloneMap(outputs)
	if committed == nil {
		committed = make(map[string]any)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.nodes[node]; exists {
		return fmt.Errorf("%w: %s", ErrOutputsAlreadyRecorded, node)
	}
	o.nodes[node] = committed
	return nil
}

// Get возвращает outputs узла.
// Возвращаемую map нельзя изменять.
func (o *Outputs) Get(node string) (map[string]any, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	outputs, ok := o.nodes[node]
	return outputs, ok
}

// Has проверяет, записаны ли outputs узла.
func (o *Outputs) Has(node string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()

	_, ok := o.nodes[node]
	return ok
}

// Len возвращает количество записанных узлов.
func (o *Outputs) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()

	return len(o.nodes)
}

// Nodes возвращает имена записанных узлов в алфавитном порядке.
func (o *Outputs) Nodes() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	names := make([]string, 0, len(o.nodes))
	for name := range o.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot возвращает глубокую копию всего хранилища.
func (o *Outputs) Snapshot() map[string]map[string]any {
	o.mu.RLock()
	defer o.mu.RUnlock()

	snap := make(map[string]map[string]any, len(o.nodes))
	for name, outputs := range o.nodes {
		snap[name] = domain.CloneMap(outputs)
	}
	return snap
}
