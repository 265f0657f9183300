package repo

import (
	"context"
	"errors"
	"testing"
)

func TestMemory_CRUD(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(func(e entity) string { return e.ID })

	for _, id := range []string{"a", "b", "c"} {
		if _, err := m.Create(ctx, entity{ID: id, Name: id}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := m.Update(ctx, entity{ID: "b", Name: "B"}); err != nil {
		t.Fatal(err)
	}
	got, err := m.Get(ctx, "b")
	if err != nil || got.Name != "B" {
		t.Fatalf("get: %+v, %v", got, err)
	}
	if _, err := m.Update(ctx, entity{ID: "z"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update missing: %v", err)
	}
	if err := m.Delete(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get deleted: %v", err)
	}
}

func TestMemory_ListOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(func(e entity) string { return e.ID })
	for _, id := range []string{"1", "2", "3", "4"} {
		m.Create(ctx, entity{ID: id})
	}
	asc, _ := m.List(ctx, ListOpts{Limit: 2, Offset: 1})
	if len(asc) != 2 || asc[0].ID != "2" || asc[1].ID != "3" {
		t.Fatalf("asc = %v", asc)
	}
	desc, _ := m.List(ctx, ListOpts{Desc: true})
	if len(desc) != 4 || desc[0].ID != "4" || desc[3].ID != "1" {
		t.Fatalf("desc = %v", desc)
	}
}
