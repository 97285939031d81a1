/*Package sensor produces synthetic environmental readings

The source draws bounded pseudo-random values for a fictitious weather
station somewhere in Kansas. Every read is an independent draw; there is no
smoothing or memory between readings.
*/
package sensor

import (
	"math/rand"
	"sync"
	"time"
)

// TelemetryRecord is a single environmental reading. Its JSON form carries
// exactly these five numeric fields.
type TelemetryRecord struct {
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	Pressure    float64 `json:"pressure"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
}

// The ranges of the synthetic readings.
const (
	MinTemperature = 20.0
	MaxTemperature = 35.0
	MinHumidity    = 60.0
	MaxHumidity    = 80.0
	MinPressure    = 1013.25
	MaxPressure    = 1025.25
	MinLatitude    = 39.810492
	MaxLatitude    = 40.310492
	MinLongitude   = -98.556061
	MaxLongitude   = -98.056061
)

// Source produces pseudo-random telemetry records. It is safe for
// concurrent use.
type Source struct {
	mutex sync.Mutex
	rnd   *rand.Rand
}

// NewSource returns a new source.
func NewSource() *Source {
	return &Source{rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Read returns a fresh reading.
func (s *Source) Read() TelemetryRecord {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return TelemetryRecord{
		Temperature: s.between(MinTemperature, MaxTemperature),
		Humidity:    s.between(MinHumidity, MaxHumidity),
		Pressure:    s.between(MinPressure, MaxPressure),
		Latitude:    s.between(MinLatitude, MaxLatitude),
		Longitude:   s.between(MinLongitude, MaxLongitude),
	}
}

func (s *Source) between(min, max float64) float64 {
	return min + s.rnd.Float64()*(max-min)
}
