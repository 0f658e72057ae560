package store

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

// ChargeFile keeps the coulomb counter as a single decimal value.
type ChargeFile struct {
	fs   afero.Fs
	path string
}

func NewChargeFile(fs afero.Fs, path string) *ChargeFile {
	return &ChargeFile{fs: fs, path: path}
}

func (f *ChargeFile) LoadCharge() (float64, error) {
	text, err := readValue(f.fs, f.path)
	if err != nil {
		return 0, err
	}
	charge, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("charge file %s: %w", f.path, err)
	}
	return charge, nil
}

func (f *ChargeFile) SaveCharge(charge float64) error {
	return writeValue(f.fs, f.path, fmt.Sprintf("%.3f", charge))
}

// BalancingDayFile keeps the day of year of the last completed balancing.
type BalancingDayFile struct {
	fs   afero.Fs
	path string
}

func NewBalancingDayFile(fs afero.Fs, path string) *BalancingDayFile {
	return &BalancingDayFile{fs: fs, path: path}
}

func (f *BalancingDayFile) LoadLastBalancingDay() (int, error) {
	text, err := readValue(f.fs, f.path)
	if err != nil {
		return 0, err
	}
	day, err := strconv.Atoi(text)
	if err != nil {
		return 0, fmt.Errorf("balancing file %s: %w", f.path, err)
	}
	return day, nil
}

func (f *BalancingDayFile) SaveLastBalancingDay(day int) error {
	return writeValue(f.fs, f.path, strconv.Itoa(day))
}

func readValue(fs afero.Fs, path string) (string, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return "", fmt.Errorf("cannot read %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// writeValue rewrites the whole file.
func writeValue(fs afero.Fs, path string, value string) error {
	if err := afero.WriteFile(fs, path, []byte(value), 0o644); err != nil {
		return fmt.Errorf("cannot write %s: %w", path, err)
	}
	return nil
}
