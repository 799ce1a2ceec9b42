package engine

import (
	"context"

	"github.com/shaiso/genflow/internal/domain"
)

// FetchFunc загружает документ под-flow, вызванного узлом node.
//
// alias — ключ документа в наборе subs (поле flow узла или его имя).
type FetchFunc func(ctx context.Context, node *domain.NodeDef, alias string) (*domain.FlowDoc, error)

// SubFlowAlias возвращает алиас под-flow узла: поле flow или имя узла.
func SubFlowAlias(node *domain.NodeDef) string {
	if alias := node.Field(SubFlowField); alias != "" {
		return alias
	}
	return node.Name
}

// CollectSubFlows собирает все под-flow, нужные для композиции base,
// включая вложенные. Каждый алиас загружается один раз.
//
// Рекурсивные под-flow не приводят к зацикливанию: их отклоняет Compose.
func CollectSubFlows(ctx context.Context, base *domain.FlowDoc, fetch FetchFunc) (map[string]*domain.FlowDoc, error) {
	subs := make(map[string]*domain.FlowDoc)
	if base == nil {
		return subs, nil
	}

	queue := []*domain.FlowDoc{base}
	for len(queue) > 0 {
		doc := queue[0]
		queue = queue[1:]

		for i := range doc.Nodes {
			node := &doc.Nodes[i]
			if node.Kind != domain.KindSubFlow {
				continue
			}

			alias := SubFlowAlias(node)
			if _, ok := subs[alias]; ok {
				continue
			}

			if err := ctx.Err(); err != nil {
				return nil, err
			}

			sub, err := fetch(ctx, node, alias)
			if err != nil {
				return nil, &CompositionError{
					Node:    node.Name,
					Flow:    alias,
					Message: "load sub-flow: " + err.Error(),
					Err:     err,
				}
			}
			subs[alias] = sub
			queue = append(queue, sub)
		}
	}
	return subs, nil
}
