package extract

import (
	"context"
	"fmt"
	"io"
	"strings"
)

type textEngine struct{}

func (e *textEngine) Name() string { return "text" }

func (e *textEngine) Extract(_ context.Context, r io.Reader) (Result, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Result{}, fmt.Errorf("read text: %w", err)
	}
	return Result{Text: strings.TrimSpace(string(data)), Complete: true}, nil
}
