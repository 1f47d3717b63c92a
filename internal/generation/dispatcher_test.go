package generation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roelfdiedericks/docgen/internal/conversation"
	"github.com/roelfdiedericks/docgen/internal/credential"
	"github.com/roelfdiedericks/docgen/internal/llm"
	"github.com/roelfdiedericks/docgen/internal/llm/llmtest"
	"github.com/roelfdiedericks/docgen/internal/types"
)

func dial(t *testing.T, fake *llmtest.Connector) (*conversation.Session, llm.Connection) {
	t.Helper()
	s := conversation.New(fake, llm.GenerationConfig{})
	s.Initialize("M1")
	conn, err := s.EnsureConnection(context.Background(), credential.Credential{ID: "k1", Token: tokenK1}, "M1")
	require.NoError(t, err)
	return s, conn
}

func TestStreamForwardsAndCommits(t *testing.T) {
	fake := &llmtest.Connector{Respond: llmtest.Text("Intro", "", " text.")}
	s, conn := dial(t, fake)

	var got []string
	d := &Dispatcher{Provider: "fake"}
	text, err := d.Stream(context.Background(), s, conn, "write", func(c string) { got = append(got, c) })
	require.NoError(t, err)

	assert.Equal(t, "Intro text.", text)
	assert.Equal(t, []string{"Intro", " text."}, got, "empty fragments are dropped")
	assert.Equal(t, []types.Turn{
		{Role: types.RoleUser, Content: "write"},
		{Role: types.RoleModel, Content: "Intro text."},
	}, s.ExportHistory())
}

func TestStreamFailureCommitsNothing(t *testing.T) {
	fake := &llmtest.Connector{Respond: func(llmtest.Call) llmtest.Reply {
		return llmtest.Reply{Chunks: []string{"half a sen"}, Err: errors.New("resource_exhausted")}
	}}
	s, conn := dial(t, fake)

	d := &Dispatcher{Provider: "fake"}
	_, err := d.Stream(context.Background(), s, conn, "write", nil)
	require.Error(t, err)

	var pe *llm.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, llm.ErrorKindQuotaExceeded, pe.Kind)
	assert.Equal(t, "M1", pe.Model)
	assert.Equal(t, 0, s.Len())
}

func TestStreamKeepsProviderKind(t *testing.T) {
	fake := &llmtest.Connector{Respond: func(llmtest.Call) llmtest.Reply {
		return llmtest.Reply{Err: &llm.ProviderError{Provider: "gemini", StatusCode: 401, Err: errors.New("denied")}}
	}}
	s, conn := dial(t, fake)

	_, err := (&Dispatcher{}).Stream(context.Background(), s, conn, "write", nil)
	var pe *llm.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, llm.ErrorKindInvalidCredential, pe.Kind)
	assert.Equal(t, "gemini", pe.Provider)
}

func TestStreamEmptyResponseIsFailure(t *testing.T) {
	fake := &llmtest.Connector{Respond: llmtest.Text("  ", "\n")}
	s, conn := dial(t, fake)

	_, err := (&Dispatcher{Provider: "fake"}).Stream(context.Background(), s, conn, "write", nil)
	require.ErrorIs(t, err, ErrEmptyResponse)
	assert.Equal(t, llm.ErrorKindUnknown, llm.Classify(err))
	assert.Equal(t, 0, s.Len())

	// the next connection is reseeded from the committed history
	_, err = s.EnsureConnection(context.Background(), credential.Credential{ID: "k1", Token: tokenK1}, "M1")
	require.NoError(t, err)
	assert.Len(t, fake.Connects(), 2)
}
