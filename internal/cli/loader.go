package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/shaiso/genflow/internal/domain"
	"github.com/shaiso/genflow/internal/engine"
)

// ErrSubFlowFileNotFound — файл под-flow не найден ни по полю file, ни по алиасу.
var ErrSubFlowFileNotFound = errors.New("sub-flow file not found")

// subFlowExts — расширения, с которыми ищется файл под-flow по алиасу.
var subFlowExts = []string{".yaml", ".yml", ".json"}

// FileSet — документ flow, загруженный с диска, вместе с под-flow.
type FileSet struct {
	// Path — путь к базовому документу.
	Path string

	// Base — базовый документ.
	Base *domain.FlowDoc

	// Subs — под-flow по алиасу, включая вложенные.
	Subs map[string]*domain.FlowDoc
}

// Compose композирует базовый документ с под-flow.
func (s *FileSet) Compose() (*domain.ComposedFlow, error) {
	return engine.Compose(s.Base, s.Subs)
}

// SaveOrder возвращает алиасы под-flow в порядке сохранения:
// каждый под-flow идёт после всех, которые он вызывает.
func (s *FileSet) SaveOrder() []string {
	var order []string
	visited := make(map[string]bool)

	var visit func(doc *domain.FlowDoc)
	visit = func(doc *domain.FlowDoc) {
		for i := range doc.Nodes {
			node := &doc.Nodes[i]
			if node.Kind != domain.KindSubFlow {
				continue
			}
			alias := engine.SubFlowAlias(node)
			sub, ok := s.Subs[alias]
			if !ok || visited[alias] {
				continue
			}
			visited[alias] = true
			visit(sub)
			order = append(order, alias)
		}
	}
	visit(s.Base)

	return order
}

// LoadFile читает документ flow и все его под-flow.
//
// Файл под-flow берётся из поля file узла (относительно документа, в котором
// объявлен узел), иначе ищется <alias>.yaml|.yml|.json рядом с этим документом.
func LoadFile(ctx context.Context, path string) (*FileSet, error) {
	base, err := readDoc(path)
	if err != nil {
		return nil, err
	}

	// Каталог документа для каждого узла: вложенные пути разрешаются
	// относительно файла, который их объявил.
	dirs := make(map[*domain.NodeDef]string)
	track := func(doc *domain.FlowDoc, dir string) {
		for i := range doc.Nodes {
			dirs[&doc.Nodes[i]] = dir
		}
	}
	track(base, filepath.Dir(path))

	subs, err := engine.CollectSubFlows(ctx, base, func(_ context.Context, node *domain.NodeDef, alias string) (*domain.FlowDoc, error) {
		file, err := subFlowFile(dirs[node], node, alias)
		if err != nil {
			return nil, err
		}
		doc, err := readDoc(file)
		if err != nil {
			return nil, err
		}
		track(doc, filepath.Dir(file))
		return doc, nil
	})
	if err != nil {
		return nil, err
	}

	return &FileSet{Path: path, Base: base, Subs: subs}, nil
}

// subFlowFile находит файл под-flow.
func subFlowFile(dir string, node *domain.NodeDef, alias string) (string, error) {
	if file := node.Field(engine.SubFlowFileField); file != "" {
		if !filepath.IsAbs(file) {
			file = filepath.Join(dir, file)
		}
		return file, nil
	}

	for _, ext := range subFlowExts {
		file := filepath.Join(dir, alias+ext)
		if _, err := os.Stat(file); err == nil {
			return file, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %s (searched %s)", ErrSubFlowFileNotFound, alias, dir)
}

// readDoc читает и парсит документ flow.
func readDoc(path string) (*domain.FlowDoc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read flow file: %w", err)
	}
	doc, err := domain.ParseDoc(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}
