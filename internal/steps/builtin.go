package steps

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// BuiltinFunctions возвращает таблицу со встроенными функциями.
//
//	read_file(path)          → {content}
//	write_file(path, content) → {path, bytes}
//	read_csv(path)           → {data}  — строки как map заголовок → значение
//	parse_json(text)         → {value}
//	concat(parts, sep)       → {text}
func BuiltinFunctions() *Functions {
	f := NewFunctions()
	f.Register("read_file", readFile)
	f.Register("write_file", writeFile)
	f.Register("read_csv", readCSV)
	f.Register("parse_json", parseJSON)
	f.Register("concat", concat)
	return f
}

func readFile(_ context.Context, params map[string]any) (map[string]any, error) {
	path := GetConfigString(params, "path")
	if path == "" {
		return nil, fmt.Errorf("%w: path is required", ErrInvalidConfig)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return map[string]any{"content": string(data)}, nil
}

func writeFile(_ context.Context, params map[string]any) (map[string]any, error) {
	path := GetConfigString(params, "path")
	if path == "" {
		return nil, fmt.Errorf("%w: path is required", ErrInvalidConfig)
	}

	content := params["content"]
	var data []byte
	switch v := content.(type) {
	case string:
		data = []byte(v)
	case nil:
	default:
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode content: %w", err)
		}
		data = b
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, err
	}
	return map[string]any{"path": path, "bytes": len(data)}, nil
}

func readCSV(_ context.Context, params map[string]any) (map[string]any, error) {
	path := GetConfigString(params, "path")
	if path == "" {
		return nil, fmt.Errorf("%w: path is required", ErrInvalidConfig)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv %s: %w", path, err)
	}

	rows := make([]any, 0, len(records))
	if len(records) > 0 {
		header := records[0]
		for _, record := range records[1:] {
			row := make(map[string]any, len(header))
			for i, col := range header {
				if i < len(record) {
					row[col] = record[i]
				}
			}
			rows = append(rows, row)
		}
	}
	return map[string]any{"data": rows}, nil
}

func parseJSON(_ context.Context, params map[string]any) (map[string]any, error) {
	text := GetConfigString(params, "text")

	var value any
	if err := json.Unmarshal([]byte(text), &value); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	return map[string]any{"value": value}, nil
}

func concat(_ context.Context, params map[string]any) (map[string]any, error) {
	sep := GetConfigString(params, "sep")

	var parts []string
	switch v := params["parts"].(type) {
	case []any:
		for _, p := range v {
			parts = append(parts, fmt.Sprint(p))
		}
	case []string:
		parts = v
	case nil:
	default:
		parts = []string{fmt.Sprint(v)}
	}
	return map[string]any{"text": strings.Join(parts, sep)}, nil
}
