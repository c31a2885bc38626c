package regions_test

import (
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/netschool-go/netschool/regions"
)

func TestList_SortedAndPlausible(t *testing.T) {
	names := regions.List()
	require.NotEmpty(t, names)
	require.True(t, sort.StringsAreSorted(names))

	for _, name := range names {
		url, ok := regions.GetURL(name)
		require.True(t, ok, name)
		require.True(t, strings.HasPrefix(url, "http"), url)
	}
}

func TestGetURL_ExactMatch(t *testing.T) {
	url, ok := regions.GetURL("Самарская область")
	require.True(t, ok)
	require.Equal(t, "https://asurso.ru", url)
}

func TestGetURL_CaseInsensitiveSubstring(t *testing.T) {
	url, ok := regions.GetURL("самарская")
	require.True(t, ok)
	require.Equal(t, "https://asurso.ru", url)

	url, ok = regions.GetURL("коми")
	require.True(t, ok)
	require.Equal(t, "https://giseo.rkomi.ru", url)
}

func TestGetURL_AmbiguousOrUnknown(t *testing.T) {
	// "Республика" prefixes many regions.
	_, ok := regions.GetURL("Республика")
	require.False(t, ok)

	_, ok = regions.GetURL("Нарния")
	require.False(t, ok)

	_, ok = regions.GetURL("   ")
	require.False(t, ok)
}
