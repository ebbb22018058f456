package gateway

import (
	"testing"

	"framelabel/internal/core"
)

func TestCanonicalize(t *testing.T) {
	cases := []struct {
		raw   string
		label string
		cat   core.Category
	}{
		{"pedestrian", "pedestrian", core.CategoryPedestrian},
		{"Person", "pedestrian", core.CategoryPedestrian},
		{"行人", "pedestrian", core.CategoryPedestrian},
		{"crowd", "crowd", core.CategoryPedestrian},
		{"car", "vehicle", core.CategoryVehicle},
		{"Truck Turning Left", "vehicle_turning_left", core.CategoryVehicle},
		{"bus-brake", "vehicle_braking", core.CategoryVehicle},
		{"taxi_hazard", "vehicle_double_flash", core.CategoryVehicle},
		{"vehicle_turning_right", "vehicle_turning_right", core.CategoryVehicle},
		{"motorcycle_right_turn", "vehicle_turning_right", core.CategoryVehicle},
		{"汽车", "vehicle", core.CategoryVehicle},
		{"traffic_sign", "traffic_sign", core.CategoryTrafficSign},
		{"Traffic Sign", "traffic_sign", core.CategoryTrafficSign},
		{"交通标志", "traffic_sign", core.CategoryTrafficSign},
		{"speed_limit_60", "speed_limit_60", core.CategoryTrafficSign},
		{"traffic_cone", "traffic_cone", core.CategoryConstruction},
		{"锥桶", "traffic_cone", core.CategoryConstruction},
		{"construction_barrier", "construction_barrier", core.CategoryConstruction},
		{"advance_direction_sign", "advance_direction_sign", core.CategoryTrafficSign},
		{"no_motor_vehicles", "no_motor_vehicles", core.CategoryTrafficSign},
		{"bus_stop_sign", "bus_stop_sign", core.CategoryTrafficSign},
		{"pedestrian_crossing_ahead", "pedestrian_crossing_ahead", core.CategoryTrafficSign},
		{"Road Signs", "traffic_sign", core.CategoryTrafficSign},
		{"red_car", "red_car", core.CategoryVehicle},
		{"parked_vehicle", "parked_vehicle", core.CategoryVehicle},
		{"cars", "vehicle", core.CategoryVehicle},
		{"scarf_vendor", "scarf_vendor", core.CategoryUnknown},
	}
	for _, tc := range cases {
		label, cat, known := Canonicalize(tc.raw)
		if known != (tc.cat != core.CategoryUnknown) {
			t.Fatalf("Canonicalize(%q): known = %v", tc.raw, known)
		}
		if label != tc.label || cat != tc.cat {
			t.Fatalf("Canonicalize(%q) = (%q, %s), want (%q, %s)", tc.raw, label, cat, tc.label, tc.cat)
		}
	}
}

func TestCanonicalize_UnknownKeptVerbatim(t *testing.T) {
	label, cat, known := Canonicalize("  Zebra ")
	if known || cat != core.CategoryUnknown || label != "Zebra" {
		t.Fatalf("unexpected result (%q, %s, %v)", label, cat, known)
	}
}
