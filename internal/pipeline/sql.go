package pipeline

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"c2cpipeline/internal/types"
)

var (
	identifierRE  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)
	hourRE        = regexp.MustCompile(`^([01][0-9]|2[0-3])$`)
	placeholderRE = regexp.MustCompile(`\{[A-Za-z_]+\}`)
)

// QuoteLiteral renders v as a single-quoted SQL string literal, doubling any
// embedded quotes.
func QuoteLiteral(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

// Statement is a rendered query ready for submission.
type Statement struct {
	Name   string
	SQL    string
	Params []string
}

// RenderArgs are the values a template may reference.
type RenderArgs struct {
	TableName   string
	SourceTable string
	TargetTable string
	LoadDate    string
	Hour        string
}

func (a RenderArgs) validate() error {
	for name, ident := range map[string]string{
		"table_name":   a.TableName,
		"source_table": a.SourceTable,
		"target_table": a.TargetTable,
	} {
		if ident != "" && !identifierRE.MatchString(ident) {
			return types.NewAppErrorWithDetails(types.ErrCodeConfigInvalid,
				fmt.Sprintf("%s is not a valid identifier", name), nil, map[string]any{name: ident})
		}
	}
	if _, err := time.Parse(types.DateLayout, a.LoadDate); err != nil {
		return types.NewAppError(types.ErrCodeParseInvalidInput, fmt.Sprintf("invalid load_date %q", a.LoadDate), err)
	}
	if !hourRE.MatchString(a.Hour) {
		return types.NewAppError(types.ErrCodeParseInvalidInput, fmt.Sprintf("invalid hour %q", a.Hour), nil)
	}
	return nil
}

// Render fills tmpl. Identifiers are substituted after validation. When the
// template contains `?` markers, {load_date} and {hour} must not appear; the
// markers are left in place and bound, in order, to the quoted load date and
// hour as execution parameters. Otherwise the values are substituted as
// quoted literals.
func Render(name, tmpl string, args RenderArgs) (Statement, error) {
	if strings.TrimSpace(tmpl) == "" {
		return Statement{}, types.NewAppError(types.ErrCodeConfigMissing, fmt.Sprintf("%s template is empty", name), nil)
	}
	if err := args.validate(); err != nil {
		return Statement{}, err
	}

	var pairs []string
	for _, kv := range [][2]string{
		{"{table_name}", args.TableName},
		{"{source_table}", args.SourceTable},
		{"{target_table}", args.TargetTable},
	} {
		if kv[1] != "" {
			pairs = append(pairs, kv[0], kv[1])
		}
	}

	var params []string
	markers := strings.Count(tmpl, "?")
	if markers > 0 {
		if markers > 2 {
			return Statement{}, types.NewAppError(types.ErrCodeConfigInvalid,
				fmt.Sprintf("%s template has %d parameter markers, at most 2 are bound", name, markers), nil)
		}
		if strings.Contains(tmpl, "{load_date}") || strings.Contains(tmpl, "{hour}") {
			return Statement{}, types.NewAppError(types.ErrCodeConfigInvalid,
				fmt.Sprintf("%s template mixes parameter markers and value placeholders", name), nil)
		}
		params = []string{QuoteLiteral(args.LoadDate), QuoteLiteral(args.Hour)}[:markers]
	} else {
		pairs = append(pairs,
			"{load_date}", QuoteLiteral(args.LoadDate),
			"{hour}", QuoteLiteral(args.Hour),
		)
	}

	sql := strings.NewReplacer(pairs...).Replace(tmpl)
	if left := placeholderRE.FindString(sql); left != "" {
		return Statement{}, types.NewAppError(types.ErrCodeConfigInvalid,
			fmt.Sprintf("%s template has unresolved placeholder %s", name, left), nil)
	}
	return Statement{Name: name, SQL: sql, Params: params}, nil
}

// QueryStatements renders the two statements the query stage runs, in
// order: register the partition on the source table, then insert into the
// target.
func QueryStatements(cfg *types.FileTypeConfig, loadDate, hour string) ([]Statement, error) {
	addPartition, err := Render("add_partition", cfg.AddPartitionSQL, RenderArgs{
		TableName:   cfg.SourceTable,
		SourceTable: cfg.SourceTable,
		LoadDate:    loadDate,
		Hour:        hour,
	})
	if err != nil {
		return nil, err
	}
	insert, err := Render("insert", cfg.InsertSQL, RenderArgs{
		TableName:   cfg.TargetTable,
		SourceTable: cfg.SourceTable,
		TargetTable: cfg.TargetTable,
		LoadDate:    loadDate,
		Hour:        hour,
	})
	if err != nil {
		return nil, err
	}
	return []Statement{addPartition, insert}, nil
}

// AddUserPartition renders the ad-hoc runner's statement registering one
// user's upload prefix as a partition of table.
func AddUserPartition(table, user string) (Statement, error) {
	if !identifierRE.MatchString(table) {
		return Statement{}, types.NewAppErrorWithDetails(types.ErrCodeConfigInvalid,
			"table is not a valid identifier", nil, map[string]any{"table": table})
	}
	if strings.TrimSpace(user) == "" {
		return Statement{}, types.NewAppError(types.ErrCodeConfigMissing, "user name is empty", nil)
	}
	return Statement{
		Name: "add_user_partition",
		SQL:  fmt.Sprintf("ALTER TABLE %s ADD IF NOT EXISTS PARTITION (user_name=%s)", table, QuoteLiteral(user)),
	}, nil
}
