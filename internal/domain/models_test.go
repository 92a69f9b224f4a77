package domain

import "testing"

func TestUnitTypeForCategoryName(t *testing.T) {
	cases := map[string]UnitType{
		"Litres":       UnitVolume,
		"engine LITER": UnitVolume,
		"Coolant 5ltr": UnitVolume,
		"Quantity":     UnitQuantity,
		"Oil Filters":  UnitQuantity,
		"":             UnitQuantity,
	}
	for name, want := range cases {
		if got := UnitTypeForCategoryName(name); got != want {
			t.Fatalf("UnitTypeForCategoryName(%q) = %s, want %s", name, got, want)
		}
	}
}

func TestBuiltinCategoriesMatchUnitTypes(t *testing.T) {
	for _, c := range BuiltinCategories() {
		if got := UnitTypeForCategoryName(c.Name); got != c.UnitType {
			t.Fatalf("builtin %q has unit %s but name maps to %s", c.Name, c.UnitType, got)
		}
	}
}
