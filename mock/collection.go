package mock

import (
	"fmt"
	"sort"
)

type collection struct {
	nextID int
	items  map[string]map[string]any
}

func newCollection() *collection {
	return &collection{nextID: 1, items: make(map[string]map[string]any)}
}

func (c *collection) insert(item map[string]any) map[string]any {
	stored := clone(item)
	if id, ok := stored["id"]; ok && id != nil {
		if n, ok := number(id); ok && int(n) >= c.nextID {
			c.nextID = int(n) + 1
		}
	} else {
		stored["id"] = c.nextID
		c.nextID++
	}
	c.items[fmt.Sprint(stored["id"])] = stored
	return clone(stored)
}

func (c *collection) get(id string) (map[string]any, bool) {
	item, ok := c.items[id]
	if !ok {
		return nil, false
	}
	return clone(item), true
}

func (c *collection) merge(id string, patch map[string]any) (map[string]any, bool) {
	item, ok := c.items[id]
	if !ok {
		return nil, false
	}
	for k, v := range patch {
		if k == "id" {
			continue
		}
		item[k] = v
	}
	return clone(item), true
}

func (c *collection) replace(id string, full map[string]any) (map[string]any, bool) {
	existing, ok := c.items[id]
	if !ok {
		return nil, false
	}
	stored := clone(full)
	stored["id"] = existing["id"]
	c.items[id] = stored
	return clone(stored), true
}

func (c *collection) remove(id string) bool {
	if _, ok := c.items[id]; !ok {
		return false
	}
	delete(c.items, id)
	return true
}

// snapshot returns copies ordered by id.
func (c *collection) snapshot() []map[string]any {
	out := make([]map[string]any, 0, len(c.items))
	for _, item := range c.items {
		out = append(out, clone(item))
	}
	sort.Slice(out, func(i, j int) bool {
		return lessValue(out[i]["id"], out[j]["id"])
	})
	return out
}

func clone(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
