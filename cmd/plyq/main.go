// plyq plans a plywood algebra query against a datasource schema and
// prints the native Druid query (and optionally the SQL rendition) it
// would send.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"

	"github.com/plesiecki/plywood/plywood"
	"github.com/plesiecki/plywood/plywood/druid"
	"github.com/plesiecki/plywood/plywood/expr"
	"github.com/plesiecki/plywood/plywood/schemastore"
	"github.com/plesiecki/plywood/plywood/sqlgen"
)

func main() {
	var planPath string
	var schemaDB string
	var saveSchema bool
	var emitSQL bool
	var compact bool

	flag.StringVar(&planPath, "plan", "", "plan request JSON file (default: stdin)")
	flag.StringVar(&schemaDB, "schema-db", "", "badger schema store to resolve attributes from")
	flag.BoolVar(&saveSchema, "save-schema", false, "store the request's attributes into the schema store")
	flag.BoolVar(&emitSQL, "sql", false, "also print the SQL rendition")
	flag.BoolVar(&compact, "compact", false, "print the query without indentation")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Plans a plywood query and prints the native query document.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s -plan query.json\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -plan query.json -sql\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -plan query.json -schema-db ./schemas\n", os.Args[0])
	}
	flag.Parse()

	data, err := readPlan(planPath)
	if err != nil {
		fatalf("reading plan: %v", err)
	}
	req, err := decodeRequest(data)
	if err != nil {
		fatalf("decoding plan: %v", err)
	}

	if schemaDB != "" {
		store, err := schemastore.Open(schemaDB)
		if err != nil {
			fatalf("opening schema store: %v", err)
		}
		defer store.Close()
		if saveSchema && len(req.RawAttributes) > 0 {
			if err := store.Put(req.Source, req.RawAttributes); err != nil {
				fatalf("saving schema: %v", err)
			}
		}
		if len(req.RawAttributes) == 0 {
			attrs, err := store.Get(req.Source)
			if err != nil {
				fatalf("loading schema for %q: %v", req.Source, err)
			}
			req.RawAttributes = attrs
		}
	}

	result, err := req.GetQueryAndPostTransform()
	if err != nil {
		fatalf("planning: %v", err)
	}

	heading := color.New(color.FgCyan, color.Bold)
	heading.Printf("-- %s query against %s --\n", result.Query.QueryType, req.Source)

	var encoded []byte
	if compact {
		encoded, err = json.Marshal(result.Query)
	} else {
		encoded, err = json.MarshalIndent(result.Query, "", "  ")
	}
	if err != nil {
		fatalf("encoding query: %v", err)
	}
	fmt.Println(string(encoded))

	fmt.Println()
	fmt.Println(formatPlanSummary(req, result))

	if emitSQL {
		sql, err := sqlgen.New(req).SQL()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", color.YellowString("sql rendition unavailable:"), err)
		} else {
			heading.Println("-- SQL rendition --")
			fmt.Println(sql)
		}
	}
}

func readPlan(path string) ([]byte, error) {
	if path == "" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

// planRequest is the JSON form of a planning request.
type planRequest struct {
	Source        string          `json:"source"`
	Mode          druid.Mode      `json:"mode"`
	TimeAttribute string          `json:"timeAttribute"`
	Attributes    []attributeJSON `json:"attributes"`
	Filter        json.RawMessage `json:"filter"`
	Split         *splitJSON      `json:"split"`
	Applies       []applyJSON     `json:"applies"`
	Value         json.RawMessage `json:"valueExpression"`
	Having        json.RawMessage `json:"having"`
	Sort          *sortJSON       `json:"sort"`
	Limit         int             `json:"limit"`
	Select        []string        `json:"select"`
	Context       map[string]any  `json:"context"`

	AllowEternity      bool                 `json:"allowEternity"`
	AllowSelectQueries bool                 `json:"allowSelectQueries"`
	ExactResultsOnly   bool                 `json:"exactResultsOnly"`
	QuerySelection     druid.QuerySelection `json:"querySelection"`
}

type attributeJSON struct {
	Name        string       `json:"name"`
	Type        plywood.Type `json:"type"`
	NativeType  string       `json:"nativeType"`
	Unsplitable bool         `json:"unsplitable"`
	Cardinality int          `json:"cardinality"`
}

type splitJSON struct {
	Keys []struct {
		Name       string          `json:"name"`
		Expression json.RawMessage `json:"expression"`
	} `json:"keys"`
	DataName string `json:"dataName"`
}

type applyJSON struct {
	Name       string          `json:"name"`
	Expression json.RawMessage `json:"expression"`
}

type sortJSON struct {
	Ref       string `json:"ref"`
	Direction string `json:"direction"`
}

func decodeRequest(data []byte) (*druid.External, error) {
	var req planRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	ex := &druid.External{
		Source:             req.Source,
		Mode:               req.Mode,
		TimeAttribute:      req.TimeAttribute,
		Limit:              req.Limit,
		Select:             req.Select,
		Context:            req.Context,
		AllowEternity:      req.AllowEternity,
		AllowSelectQueries: req.AllowSelectQueries,
		ExactResultsOnly:   req.ExactResultsOnly,
		QuerySelection:     req.QuerySelection,
	}
	if ex.QuerySelection == "" {
		ex.QuerySelection = druid.QuerySelectionAny
	}
	for _, a := range req.Attributes {
		ex.RawAttributes = append(ex.RawAttributes, druid.AttributeInfo{
			Name: a.Name, Type: a.Type, NativeType: a.NativeType,
			Unsplitable: a.Unsplitable, Cardinality: a.Cardinality,
		})
	}
	var err error
	if ex.Filter, err = decodeExpr(req.Filter); err != nil {
		return nil, fmt.Errorf("filter: %w", err)
	}
	if ex.ValueExpression, err = decodeExpr(req.Value); err != nil {
		return nil, fmt.Errorf("valueExpression: %w", err)
	}
	if ex.HavingFilter, err = decodeExpr(req.Having); err != nil {
		return nil, fmt.Errorf("having: %w", err)
	}
	if req.Split != nil {
		split := &druid.SplitSpec{DataName: req.Split.DataName}
		for _, k := range req.Split.Keys {
			ke, err := expr.Decode(k.Expression)
			if err != nil {
				return nil, fmt.Errorf("split key %q: %w", k.Name, err)
			}
			split.Keys = append(split.Keys, expr.SplitKey{Name: k.Name, Expression: ke})
		}
		ex.Split = split
	}
	for _, a := range req.Applies {
		ae, err := expr.Decode(a.Expression)
		if err != nil {
			return nil, fmt.Errorf("apply %q: %w", a.Name, err)
		}
		ex.Applies = append(ex.Applies, druid.Applied{Name: a.Name, Expression: ae})
	}
	if req.Sort != nil {
		ex.Sort = &druid.SortSpec{
			Expression: &expr.Ref{Name: req.Sort.Ref},
			Direction:  req.Sort.Direction,
		}
	}
	return ex, nil
}

func decodeExpr(raw json.RawMessage) (expr.Expression, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	return expr.Decode(raw)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("error:"), fmt.Sprintf(format, args...))
	os.Exit(1)
}
