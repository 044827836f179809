package research

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func echoExecutor() ToolExecutor {
	return ToolExecutorFunc(func(ctx context.Context, query string) (string, error) {
		return "result: " + query, nil
	})
}

func TestToolSetExecute(t *testing.T) {
	s := NewToolSet(zap.NewNop())
	s.Register("vector_search", echoExecutor(), ToolConfig{Enabled: true})

	out, err := s.Execute(context.Background(), "vector_search", "q")
	require.NoError(t, err)
	assert.Equal(t, "result: q", out)
}

func TestToolSetDisabledAndUnknown(t *testing.T) {
	s := NewToolSet(zap.NewNop())
	s.Register("web_search", echoExecutor(), ToolConfig{Enabled: false})

	_, err := s.Execute(context.Background(), "web_search", "q")
	assert.ErrorIs(t, err, ErrToolDisabled)

	_, err = s.Execute(context.Background(), "no_such_tool", "q")
	assert.ErrorIs(t, err, ErrToolUnknown)
}

func TestToolSetExecutorErrorsPropagate(t *testing.T) {
	boom := errors.New("backend down")
	s := NewToolSet(zap.NewNop())
	s.Register("web_search", ToolExecutorFunc(func(ctx context.Context, query string) (string, error) {
		return "", boom
	}), ToolConfig{Enabled: true})

	_, err := s.Execute(context.Background(), "web_search", "q")
	assert.ErrorIs(t, err, boom)
}

func TestEnabledTypesSorted(t *testing.T) {
	s := NewToolSet(zap.NewNop())
	s.Register("web_search", echoExecutor(), ToolConfig{Enabled: true})
	s.Register("code_exec", echoExecutor(), ToolConfig{Enabled: true})
	s.Register("paper_search", echoExecutor(), ToolConfig{Enabled: false})

	assert.Equal(t, []string{"code_exec", "web_search"}, s.EnabledTypes())
}

func TestApplyCapabilitiesFlipsEnablement(t *testing.T) {
	s := NewToolSet(zap.NewNop())
	s.Register("web_search", echoExecutor(), ToolConfig{Enabled: true})
	s.Register("vector_search", echoExecutor(), ToolConfig{Enabled: false})

	s.ApplyCapabilities(map[string]ToolConfig{
		"web_search":    {Enabled: false},
		"vector_search": {Enabled: true},
		"never_known":   {Enabled: true}, // absent tools are ignored
	})

	assert.False(t, s.Enabled("web_search"))
	assert.True(t, s.Enabled("vector_search"))
	assert.False(t, s.Enabled("never_known"))
}
