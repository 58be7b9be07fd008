package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"alertlake/internal/alert"
)

func main() {
	var (
		count        int
		outputFile   string
		invalidRatio float64
		historyMax   int
		startJD      float64
		days         int
		seed         int64
	)
	flag.IntVar(&count, "count", 100, "number of alerts to generate")
	flag.StringVar(&outputFile, "output", "alerts.jsonl", "output file")
	flag.Float64Var(&invalidRatio, "invalid-ratio", 0.05, "fraction of alerts that fail validation")
	flag.IntVar(&historyMax, "history-max", 5, "maximum previous candidates per alert")
	flag.Float64Var(&startJD, "start-jd", 2460000.5, "Julian Date of the first night")
	flag.IntVar(&days, "days", 3, "number of nights the alerts are spread over")
	flag.Int64Var(&seed, "seed", time.Now().UnixNano(), "random seed")
	flag.Parse()

	if err := generateAlerts(count, outputFile, invalidRatio, historyMax, startJD, days, seed); err != nil {
		log.Fatalf("generation failed: %v", err)
	}
}

var classes = []alert.Classification{
	alert.ClassSNCandidate,
	alert.ClassEarlySNIa,
	alert.ClassKilonova,
	alert.ClassMicrolensing,
	alert.ClassSolarSystemMPC,
	alert.ClassVariableStar,
	alert.ClassAGN,
	alert.ClassUnknown,
}

// corruptions each break one top-level constraint.
var corruptions = []func(alert.Raw){
	func(r alert.Raw) { r["ra"] = 360.5 },
	func(r alert.Raw) { r["dec"] = 91.0 },
	func(r alert.Raw) { r["fid"] = 7 },
	func(r alert.Raw) { r["rb"] = 1.5 },
	func(r alert.Raw) { r["jd"] = 2399999.0 },
	func(r alert.Raw) { delete(r, "magpsf") },
	func(r alert.Raw) { r["objectId"] = "Z" },
}

func generateAlerts(count int, outputFile string, invalidRatio float64, historyMax int, startJD float64, days int, seed int64) error {
	file, err := os.Create(outputFile)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer file.Close()

	rng := rand.New(rand.NewSource(seed))
	if days < 1 {
		days = 1
	}
	enc := json.NewEncoder(file)
	invalid := 0
	for i := 0; i < count; i++ {
		raw := randomAlert(rng, i, startJD+float64(rng.Intn(days))+rng.Float64()*0.4, historyMax)
		if rng.Float64() < invalidRatio {
			corruptions[rng.Intn(len(corruptions))](raw)
			invalid++
		}
		if err := enc.Encode(raw); err != nil {
			return fmt.Errorf("encode alert %d: %w", i+1, err)
		}
	}

	log.Printf("generated %d alerts (%d invalid) to %s", count, invalid, outputFile)
	return nil
}

func randomAlert(rng *rand.Rand, i int, jd float64, historyMax int) alert.Raw {
	fid := 1 + rng.Intn(2)
	raw := alert.Raw{
		"objectId":     fmt.Sprintf("ZTF%02d%07d", 18+rng.Intn(7), rng.Intn(2000)),
		"candid":       int64(2000000000000000000) + int64(i),
		"ra":           rng.Float64() * 360,
		"dec":          rng.Float64()*180 - 90,
		"magpsf":       14 + rng.Float64()*7,
		"sigmapsf":     0.01 + rng.Float64()*0.2,
		"fid":          fid,
		"jd":           jd,
		"diffmaglim":   19.5 + rng.Float64(),
		"rb":           rng.Float64(),
		"drb":          rng.Float64(),
		"v:fink_class": string(classes[rng.Intn(len(classes))]),
		"d:cdsxmatch":  "Unknown",
	}
	if n := rng.Intn(historyMax + 1); n > 0 {
		history := make([]map[string]any, 0, n)
		for k := 1; k <= n; k++ {
			entry := map[string]any{
				"jd":         jd - float64(k)*rng.Float64()*3,
				"fid":        1 + rng.Intn(2),
				"diffmaglim": 19.5 + rng.Float64(),
			}
			if rng.Intn(3) > 0 {
				entry["magpsf"] = 14 + rng.Float64()*7
				entry["sigmapsf"] = 0.01 + rng.Float64()*0.2
				entry["isdiffpos"] = "t"
			}
			history = append(history, entry)
		}
		raw["prv_candidates"] = history
	}
	return raw
}
