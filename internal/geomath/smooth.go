package geomath

// Smooth applies a recency-weighted moving average over a trailing window.
// Inside each window the oldest point has weight 1 and the newest weight n.
// Points are returned unchanged when there are fewer than window of them.
func Smooth(points []Point, window int) []Point {
	if window <= 1 || len(points) < window {
		return points
	}

	smoothed := make([]Point, len(points))
	for i := range points {
		start := i - window + 1
		if start < 0 {
			start = 0
		}

		var lat, lng, weightSum float64
		for j := start; j <= i; j++ {
			w := float64(j - start + 1)
			lat += points[j].Lat * w
			lng += points[j].Lng * w
			weightSum += w
		}

		smoothed[i] = Point{Lat: lat / weightSum, Lng: lng / weightSum}
	}

	return smoothed
}
