package adapters

import (
	"fmt"
	"sort"
	"strings"

	restbridge "github.com/opengovern/restbridge"
)

type factory func(baseURL string) restbridge.Adapter

var registry = map[string]factory{
	"generic": func(u string) restbridge.Adapter { return NewGenericAdapter(u) },
	"drf":     func(u string) restbridge.Adapter { return NewDRFAdapter(u) },
	"fastapi": func(u string) restbridge.Adapter { return NewFastAPIAdapter(u) },
}

// ByName builds the adapter registered under name ("generic", "drf" or
// "fastapi").
func ByName(name, baseURL string) (restbridge.Adapter, error) {
	f, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unknown adapter %q (known: %s)", name, strings.Join(Names(), ", "))
	}
	return f(baseURL), nil
}

func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
