package sensor

import (
	"testing"

	"github.com/goccy/go-json"
)

func TestReadingsStayInRange(t *testing.T) {
	source := NewSource()
	for i := 0; i < 1000; i++ {
		r := source.Read()
		if r.Temperature < MinTemperature || r.Temperature > MaxTemperature {
			t.Fatalf("temperature %f out of range", r.Temperature)
		}
		if r.Humidity < MinHumidity || r.Humidity > MaxHumidity {
			t.Fatalf("humidity %f out of range", r.Humidity)
		}
		if r.Pressure < MinPressure || r.Pressure > MaxPressure {
			t.Fatalf("pressure %f out of range", r.Pressure)
		}
		if r.Latitude < MinLatitude || r.Latitude > MaxLatitude {
			t.Fatalf("latitude %f out of range", r.Latitude)
		}
		if r.Longitude < MinLongitude || r.Longitude > MaxLongitude {
			t.Fatalf("longitude %f out of range", r.Longitude)
		}
	}
}

func TestReadingsAreIndependentDraws(t *testing.T) {
	source := NewSource()

	const n = 200
	var sum, sumOfSquares float64
	for i := 0; i < n; i++ {
		v := source.Read().Temperature
		sum += v
		sumOfSquares += v * v
	}
	mean := sum / n
	variance := sumOfSquares/n - mean*mean
	if variance <= 0 {
		t.Fatalf("temperature readings show no variance over %d draws", n)
	}
}

func TestTelemetryRecordJSONShape(t *testing.T) {
	body, err := json.Marshal(NewSource().Read())
	if err != nil {
		t.Fatal(err)
	}

	var fields map[string]float64
	if err := json.Unmarshal(body, &fields); err != nil {
		t.Fatal(err)
	}
	if len(fields) != 5 {
		t.Fatalf("expecting exactly 5 fields, got %d: %s", len(fields), body)
	}
	for _, key := range []string{"temperature", "humidity", "pressure", "latitude", "longitude"} {
		if _, ok := fields[key]; !ok {
			t.Fatalf("missing field %q in %s", key, body)
		}
	}
}
