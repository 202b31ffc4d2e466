package cache

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// TTLs por tipo de dado.
const (
	// respostas da API de mapas
	TTLGeocode    = 30 * 24 * time.Hour
	TTLPlaces     = 24 * time.Hour
	TTLDistance   = 12 * time.Hour
	TTLStreetView = 7 * 24 * time.Hour

	// consultas ao banco
	TTLListings      = 5 * time.Minute
	TTLListingDetail = 10 * time.Minute
	TTLUsers         = 30 * time.Minute
	TTLStats         = time.Hour

	// busca
	TTLSearch  = 5 * time.Minute
	TTLFilters = 15 * time.Minute
)

const (
	listingPrefix  = "listing:"
	listingsPrefix = "listings:"
)

// normalize: minúsculas, sem espaços nas pontas, espaços internos viram "_".
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), "_")
}

func KeyGeocode(address string) string {
	return "maps:geocode:" + normalize(address)
}

func KeyPlaces(lat, lng float64, radius int) string {
	return fmt.Sprintf("maps:places:%.4f_%.4f_%d", lat, lng, radius)
}

// KeyDistance monta a key de distância; mode vazio vira "driving".
func KeyDistance(origin, destination, mode string) string {
	if mode == "" {
		mode = "driving"
	}
	return "maps:distance:" + normalize(origin) + "_to_" + normalize(destination) + "_" + mode
}

func KeyStreetView(lat, lng float64) string {
	return fmt.Sprintf("maps:streetview:%.6f_%.6f", lat, lng)
}

func KeyListing(slug string) string {
	return listingPrefix + slug
}

// KeyListings gera uma key estável para uma consulta de listagem: os
// parâmetros são ordenados pelo nome.
func KeyListings(params map[string]string) string {
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)

	parts := make([]string, len(names))
	for i, k := range names {
		parts[i] = k + "=" + params[k]
	}
	return listingsPrefix + strings.Join(parts, "&")
}

// KeyListingsQuery é KeyListings para uma query string; valores repetidos
// são unidos por vírgula.
func KeyListingsQuery(q url.Values) string {
	params := make(map[string]string, len(q))
	for k, vs := range q {
		params[k] = strings.Join(vs, ",")
	}
	return KeyListings(params)
}
