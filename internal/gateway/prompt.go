package gateway

import (
	"fmt"
	"os"
	"strings"
)

// DetectionPrompt asks for the four categories and the vehicle state labels.
const DetectionPrompt = `Detect the following 4 classes of objects in the image and return JSON.

1. Pedestrians (pedestrian)
   - pedestrian: a single person or a few people
   - crowd: a group of people

2. Vehicles (vehicle). Use vehicle for every motor vehicle and bicycle, and only
   distinguish the driving state, in this priority:
   - vehicle_braking: brake lights clearly lit
   - vehicle_double_flash: both turn signals lit or flashing
   - vehicle_turning_right: body or head turning right, or only the right signal lit
   - vehicle_turning_left: body or head turning left, or only the left signal lit
   - vehicle: going straight or state unclear
   Do not label the ego vehicle the video was recorded from.

3. Traffic signs (traffic_sign)
   - traffic_sign

4. Construction (construction)
   - traffic_cone, construction_barrier

Return format example:
[
  {"label": "vehicle_braking", "bbox_2d": [100, 200, 300, 400]},
  {"label": "vehicle", "bbox_2d": [900, 300, 1100, 500]},
  {"label": "traffic_sign", "bbox_2d": [50, 50, 80, 80]}
]

If there are no objects, return [].
Return only the JSON array.`

// LoadPrompt returns the contents of path, or DetectionPrompt when path is
// empty.
func LoadPrompt(path string) (string, error) {
	if path == "" {
		return DetectionPrompt, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading prompt file: %w", err)
	}
	p := strings.TrimSpace(string(b))
	if p == "" {
		return "", fmt.Errorf("prompt file %s is empty", path)
	}
	return p, nil
}
