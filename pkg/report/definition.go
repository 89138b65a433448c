package report

import (
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/Sumatoshi-tech/linetrace/pkg/domain"
)

//go:embed schema/report.schema.json
var schemaFS embed.FS

// LoadDefinition reads a JSON report definition, checks it against the embedded
// schema and then against Validate.
func LoadDefinition(r io.Reader) (domain.Report, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return domain.Report{}, fmt.Errorf("read report definition: %w", err)
	}

	schema, err := schemaFS.ReadFile("schema/report.schema.json")
	if err != nil {
		return domain.Report{}, fmt.Errorf("read embedded schema: %w", err)
	}

	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(schema), gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return domain.Report{}, fmt.Errorf("%w: %w", ErrInvalidReport, err)
	}

	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, verr := range result.Errors() {
			problems = append(problems, verr.Field()+": "+verr.Description())
		}

		return domain.Report{}, fmt.Errorf("%w: %s", ErrInvalidReport, strings.Join(problems, "; "))
	}

	var def domain.Report

	err = json.Unmarshal(raw, &def)
	if err != nil {
		return domain.Report{}, fmt.Errorf("%w: %w", ErrInvalidReport, err)
	}

	err = Validate(def)
	if err != nil {
		return domain.Report{}, err
	}

	return def, nil
}
