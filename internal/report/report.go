package report

import (
	"encoding/json"
	"os"

	"github.com/amec0e/TheAmiiboDoctor/internal/rules"
)

func SaveBatchJSON(rep *rules.BatchReport, out string) error {
	b, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(out, b, 0644)
}

func LoadBatchJSON(path string) (*rules.BatchReport, error) {
	var rep rules.BatchReport
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}
