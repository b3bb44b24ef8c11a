// Package parameters implements the Bucket Parameter Resolver (spec §4.5):
// it evaluates a bucket definition's parameter query against the
// connecting client's JWT claims and, for table-backed parameter queries,
// rows read from the parameter tables, producing the set of bucket
// parameter values a client is associated with.
package parameters

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Context is the evaluation environment for one bucket parameter query:
// the authenticated client's JWT claims, and (for table-backed queries)
// one row from a parameter table.
type Context struct {
	Claims map[string]any
	Row    map[string]any
}

// Evaluator evaluates bucket-definition parameter and filter expressions.
type Evaluator struct{}

func NewEvaluator() *Evaluator { return &Evaluator{} }

// EvaluateExpression evaluates expr (a literal, "token.<path>"/"row.<path>"
// reference, or function call) against ctx. Non-string values pass through
// unchanged, matching how bucket definitions embed literal JSON values.
func (e *Evaluator) EvaluateExpression(ctx Context, expr any) any {
	valStr, ok := expr.(string)
	if !ok {
		return expr
	}
	return e.ParseAndEvaluate(ctx, valStr)
}

func (e *Evaluator) ParseAndEvaluate(ctx Context, expr string) any {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil
	}

	if strings.HasPrefix(expr, "token.") {
		return GetValByPath(ctx.Claims, expr[6:])
	}
	if strings.HasPrefix(expr, "row.") {
		return GetValByPath(ctx.Row, expr[4:])
	}

	if f, err := strconv.ParseFloat(expr, 64); err == nil {
		return f
	}
	if expr == "true" {
		return true
	}
	if expr == "false" {
		return false
	}
	if ((strings.HasPrefix(expr, "'") && strings.HasSuffix(expr, "'")) ||
		(strings.HasPrefix(expr, "\"") && strings.HasSuffix(expr, "\""))) && len(expr) >= 2 {
		return expr[1 : len(expr)-1]
	}

	if strings.HasSuffix(expr, ")") {
		if name, argsStr, ok := splitCall(expr); ok {
			args := e.parseArgs(argsStr)
			evaluated := make([]any, len(args))
			for i, arg := range args {
				evaluated[i] = e.ParseAndEvaluate(ctx, arg)
			}
			return e.CallFunction(name, evaluated)
		}
	}

	return expr
}

func splitCall(expr string) (name, argsStr string, ok bool) {
	openParen := -1
	parenCount := 0
	for i := len(expr) - 1; i >= 0; i-- {
		switch expr[i] {
		case ')':
			parenCount++
		case '(':
			parenCount--
			if parenCount == 0 {
				openParen = i
			}
		}
		if openParen >= 0 {
			break
		}
	}
	if openParen <= 0 {
		return "", "", false
	}
	fn := strings.TrimSpace(expr[:openParen])
	for _, c := range fn {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_') {
			return "", "", false
		}
	}
	return fn, expr[openParen+1 : len(expr)-1], true
}

func (e *Evaluator) parseArgs(argsStr string) []string {
	var args []string
	if argsStr == "" {
		return args
	}

	var current strings.Builder
	parenCount := 0
	inQuote := false
	var quoteChar byte

	for i := 0; i < len(argsStr); i++ {
		c := argsStr[i]
		switch {
		case c == '\'' || c == '"':
			if !inQuote {
				inQuote, quoteChar = true, c
			} else if c == quoteChar {
				inQuote = false
			}
			current.WriteByte(c)
		case !inQuote && c == '(':
			parenCount++
			current.WriteByte(c)
		case !inQuote && c == ')':
			parenCount--
			current.WriteByte(c)
		case !inQuote && c == ',' && parenCount == 0:
			args = append(args, strings.TrimSpace(current.String()))
			current.Reset()
		default:
			current.WriteByte(c)
		}
	}
	args = append(args, strings.TrimSpace(current.String()))
	return args
}

// CallFunction implements the small function library bucket definitions
// can use in parameter queries and name templates.
func (e *Evaluator) CallFunction(name string, args []any) any {
	switch strings.ToLower(name) {
	case "lower":
		if len(args) > 0 {
			return strings.ToLower(fmt.Sprintf("%v", args[0]))
		}
	case "upper":
		if len(args) > 0 {
			return strings.ToUpper(fmt.Sprintf("%v", args[0]))
		}
	case "trim":
		if len(args) > 0 {
			return strings.TrimSpace(fmt.Sprintf("%v", args[0]))
		}
	case "concat":
		var sb strings.Builder
		for _, arg := range args {
			if arg != nil {
				sb.WriteString(fmt.Sprintf("%v", arg))
			}
		}
		return sb.String()
	case "coalesce":
		for _, arg := range args {
			if arg != nil && fmt.Sprintf("%v", arg) != "" {
				return arg
			}
		}
		return nil
	case "uuid":
		return uuid.New().String()
	case "now":
		return time.Now().Format(time.RFC3339)
	case "env":
		if len(args) > 0 {
			val := os.Getenv(fmt.Sprintf("%v", args[0]))
			if val == "" && len(args) > 1 {
				return args[1]
			}
			return val
		}
	case "round":
		if len(args) >= 1 {
			v, _ := ToFloat64(args[0])
			precision := 0.0
			if len(args) >= 2 {
				precision, _ = ToFloat64(args[1])
			}
			ratio := math.Pow(10, precision)
			return math.Round(v*ratio) / ratio
		}
	case "and":
		for _, arg := range args {
			if !ToBool(arg) {
				return false
			}
		}
		return true
	case "or":
		for _, arg := range args {
			if ToBool(arg) {
				return true
			}
		}
		return false
	case "not":
		if len(args) > 0 {
			return !ToBool(args[0])
		}
	case "eq":
		if len(args) >= 2 {
			return fmt.Sprintf("%v", args[0]) == fmt.Sprintf("%v", args[1])
		}
	case "toint":
		if len(args) > 0 {
			v, _ := ToFloat64(args[0])
			return int64(v)
		}
	}
	return nil
}

// GetValByPath reads a dotted/gjson path out of a generic JSON-ish map,
// used for both token claims ("token.app_metadata.org_id") and parameter
// table rows ("row.workspace_id").
func GetValByPath(data map[string]any, path string) any {
	if path == "" || data == nil {
		return nil
	}
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	res := gjson.GetBytes(jsonData, path)
	if !res.Exists() {
		return nil
	}
	return res.Value()
}

func SetValByPath(data map[string]any, path string, val any) {
	if path == "" {
		return
	}
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	newJSON, err := sjson.SetBytes(jsonData, path, val)
	if err != nil {
		return
	}
	var newData map[string]any
	if err := json.Unmarshal(newJSON, &newData); err == nil {
		for k := range data {
			delete(data, k)
		}
		for k, v := range newData {
			data[k] = v
		}
	}
}

func ToFloat64(val any) (float64, bool) {
	switch v := val.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}

func ToBool(val any) bool {
	if val == nil {
		return false
	}
	switch v := val.(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(strings.ToLower(v))
		return b
	case int, int32, int64, float32, float64:
		f, _ := ToFloat64(v)
		return f != 0
	}
	return false
}

// ResolveTemplate expands "{{ token.sub }}" / "{{ row.id }}" placeholders
// in a bucket name template (spec §3 BucketDefinition name pattern).
func ResolveTemplate(tpl string, ctx Context) string {
	result := tpl
	for {
		start := strings.Index(result, "{{")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}}")
		if end == -1 {
			break
		}
		fullTag := result[start : start+end+2]
		path := strings.TrimSpace(result[start+2 : start+end])

		e := NewEvaluator()
		val := e.ParseAndEvaluate(ctx, path)

		valStr := ""
		if val != nil {
			if s, ok := val.(string); ok {
				valStr = s
			} else {
				valStr = fmt.Sprintf("%v", val)
			}
		}
		result = strings.Replace(result, fullTag, valStr, 1)
	}
	return result
}

// EvaluateFilter evaluates a bucket definition's row filter (a list of
// {field, operator, value} conditions, all ANDed together) against ctx.
func EvaluateFilter(ctx Context, conditions []map[string]any) bool {
	if len(conditions) == 0 {
		return true
	}
	e := NewEvaluator()
	for _, cond := range conditions {
		field, _ := cond["field"].(string)
		op, _ := cond["operator"].(string)
		val := cond["value"]

		fieldValRaw := GetValByPath(ctx.Row, field)
		fieldVal := ""
		if fieldValRaw != nil {
			fieldVal = fmt.Sprintf("%v", fieldValRaw)
		}

		var valResolved any = val
		if vs, ok := val.(string); ok && strings.Contains(vs, "{{") {
			valResolved = ResolveTemplate(vs, ctx)
		}
		valStr := ""
		if valResolved != nil {
			valStr = fmt.Sprintf("%v", valResolved)
		}

		match := false
		switch op {
		case "=":
			match = fieldVal == valStr
		case "!=":
			match = fieldVal != valStr
		case ">", ">=", "<", "<=":
			v1, ok1 := ToFloat64(fieldValRaw)
			v2, ok2 := ToFloat64(valResolved)
			if ok1 && ok2 {
				switch op {
				case ">":
					match = v1 > v2
				case ">=":
					match = v1 >= v2
				case "<":
					match = v1 < v2
				case "<=":
					match = v1 <= v2
				}
			}
		case "contains":
			match = strings.Contains(fieldVal, valStr)
		case "regex":
			if re, err := regexp.Compile(valStr); err == nil {
				match = re.MatchString(fieldVal)
			}
		default:
			_ = e
		}
		if !match {
			return false
		}
	}
	return true
}
