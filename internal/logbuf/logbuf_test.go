package logbuf

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndContents(t *testing.T) {
	b := New(100)
	b.Append([]byte("hello "))
	b.Append([]byte("world"))
	assert.Equal(t, "hello world", b.Contents())
	assert.Equal(t, 11, b.Len())
}

func TestTrimFromFrontWhenOverLimit(t *testing.T) {
	b := New(10)
	b.Append([]byte("0123456789"))
	b.Append([]byte("abc"))
	assert.Equal(t, "3456789abc", b.Contents())
	assert.Equal(t, 10, b.Len())
}

func TestOversizedAppendKeepsTail(t *testing.T) {
	b := New(5)
	b.Append([]byte("abcdefghij"))
	assert.Equal(t, "fghij", b.Contents())
}

func TestAppendLineAddsNewline(t *testing.T) {
	b := New(100)
	b.AppendLine("gateway exited with code 1")
	b.AppendLine("restarting\n")
	assert.Equal(t, "gateway exited with code 1\nrestarting\n", b.Contents())
}

func TestOnChangeReceivesSnapshot(t *testing.T) {
	b := New(100)
	var got string
	b.OnChange(func(s string) { got = s })
	b.Append([]byte("line"))
	require.Equal(t, "line", got)
}

func TestConcurrentAppendsStayBounded(t *testing.T) {
	b := New(512)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				b.Append([]byte(fmt.Sprintf("writer%d-%d\n", n, j)))
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, b.Len(), 512)
	assert.True(t, strings.Contains(b.Contents(), "writer"))
}

func TestReset(t *testing.T) {
	b := New(100)
	b.Append([]byte("data"))
	b.Reset()
	assert.Equal(t, "", b.Contents())
}
