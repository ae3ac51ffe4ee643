package geolite

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/oschwald/geoip2-golang"

	"proxyharvest/internal/domain"
	"proxyharvest/internal/support"
)

const CityFileName = "GeoLite2-City.mmdb"

var (
	cityDB    *geoip2.Reader
	geoLiteMu sync.RWMutex

	dataDir = support.GetEnv("GEOLITE_DIR", "data/geolite")
)

// Load opens the City database from disk. A missing file is not fatal:
// lookups answer with the unknown location until an update lands.
func Load() error {
	err := loadCityDatabase()
	if err != nil {
		log.Warn("GeoLite city database unavailable, locations default to unknown", "path", FilePath(CityFileName), "error", err)
	}
	return err
}

func loadCityDatabase() error {
	path := FilePath(CityFileName)
	if custom := strings.TrimSpace(os.Getenv("GEOLITE_CITY_DB")); custom != "" {
		path = custom
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("geolite: read %s: %w", path, err)
	}
	reader, err := geoip2.FromBytes(data)
	if err != nil {
		return fmt.Errorf("geolite: open %s: %w", path, err)
	}

	geoLiteMu.Lock()
	old := cityDB
	cityDB = reader
	geoLiteMu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return nil
}

func ReloadFromDisk() error {
	return loadCityDatabase()
}

func Available() bool {
	geoLiteMu.RLock()
	defer geoLiteMu.RUnlock()
	return cityDB != nil
}

func FilePath(filename string) string {
	return filepath.Join(dataDir, filename)
}

func EnsureDataDir() error {
	return os.MkdirAll(dataDir, 0o755)
}

// Lookup resolves ip to a location, falling back to the unknown location.
func Lookup(ipAddress string) domain.Geo {
	geo, err := lookup(ipAddress)
	if err != nil {
		return domain.UnknownGeo()
	}
	return geo
}

var errNoDatabase = errors.New("geolite: city database not loaded")

func lookup(ipAddress string) (domain.Geo, error) {
	ip := net.ParseIP(ipAddress)
	if ip == nil {
		return domain.Geo{}, fmt.Errorf("geolite: invalid ip %q", ipAddress)
	}

	geoLiteMu.RLock()
	defer geoLiteMu.RUnlock()
	if cityDB == nil {
		return domain.Geo{}, errNoDatabase
	}

	record, err := cityDB.City(ip)
	if err != nil {
		return domain.Geo{}, err
	}
	if record.Country.IsoCode == "" {
		return domain.UnknownGeo(), nil
	}

	geo := domain.Geo{
		Country:     record.Country.Names["en"],
		CountryCode: record.Country.IsoCode,
		City:        record.City.Names["en"],
		Timezone:    record.Location.TimeZone,
	}
	if len(record.Subdivisions) > 0 {
		geo.Region = record.Subdivisions[0].Names["en"]
	}
	if geo.Country == "" {
		geo.Country = record.Country.IsoCode
	}
	return geo, nil
}

// EnrichCandidates fills the location of candidates whose source did not
// report one. Lookups are cached per IP within the call.
func EnrichCandidates(candidates []domain.Candidate) {
	if !Available() {
		return
	}

	cache := make(map[string]domain.Geo)
	for i := range candidates {
		if !candidates[i].Geo.IsUnknown() {
			continue
		}
		ip := candidates[i].IP
		geo, ok := cache[ip]
		if !ok {
			geo = Lookup(ip)
			cache[ip] = geo
		}
		candidates[i].Geo = geo
	}
}
