package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
)

const (
	vesselOptionIMO = "imo"

	// vesselETALayout is how vesselfinder reports ETAs, in UTC
	vesselETALayout        = "2006-01-02 15:04"
	vesselETASecondsLayout = "2006-01-02 15:04:05"
)

// errNoVesselData is returned when the vessel API answers without a record
var errNoVesselData = errors.New("no vessel data")

// VesselCommand reports a vessel's position and destination, with an
// optional map of its position.
type VesselCommand struct {
	config    *VesselConfig
	mapConfig *MapConfig
	publicURL string
	client    *http.Client
	maps      *MapCache
	logger    *slog.Logger
}

// AIS is the position report returned by the vessel API
type AIS struct {
	IMO         json.Number `json:"IMO"`
	Name        string      `json:"NAME"`
	Callsign    string      `json:"CALLSIGN"`
	Latitude    float64     `json:"LATITUDE"`
	Longitude   float64     `json:"LONGITUDE"`
	Destination string      `json:"DESTINATION"`
	ETA         string      `json:"ETA"`
}

type vesselRecord struct {
	AIS *AIS `json:"AIS"`
}

// NewVesselCommand returns the vessel command. When maps are enabled, map
// images are cached in a MapCache and served by the webhook server.
func NewVesselCommand(config *Config) (*VesselCommand, error) {
	logger := slog.New(newLogHandler(config.LogLevel)).With(loggerNameKey, "vessel")
	v := &VesselCommand{
		config:    config.Vessel,
		mapConfig: config.Map,
		publicURL: strings.TrimSuffix(config.WebhookServer.PublicURL, "/"),
		client:    config.Client(),
		logger:    logger,
	}
	if config.Map != nil && config.Map.Enabled {
		maps, err := NewMapCache(
			config.Map.CacheSize,
			v.fetchMap,
			logger.With(loggerNameKey, "map_cache"),
		)
		if err != nil {
			return nil, err
		}
		v.maps = maps
	}
	return v, nil
}

func (v *VesselCommand) ApplicationCommand() *discordgo.ApplicationCommand {
	return slashCommand(
		v.config.CommandName,
		"Where is the vessel?",
		&discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        vesselOptionIMO,
			Description: "IMO number of the vessel (default " + v.config.IMO + ")",
			Required:    false,
			MinLength:   ptr(7),
			MaxLength:   7,
		},
	)
}

func (v *VesselCommand) PendingMessage() string {
	return v.config.PendingMessage
}

func (v *VesselCommand) Visibility() VisibilityConfig {
	return v.config.Visibility
}

// Maps returns the map image cache, or nil when maps are disabled
func (v *VesselCommand) Maps() *MapCache {
	return v.maps
}

func (v *VesselCommand) followupEmbeds() {}

func (v *VesselCommand) addRoutes(r gin.IRouter, corsMiddleware gin.HandlerFunc) {
	if v.maps == nil {
		return
	}
	r.GET(MapRoutePrefix+"/:key", corsMiddleware, mapImageHandler(v.maps))
}

// Execute looks up the vessel given by the `imo` option (or the default)
// and, with maps enabled, makes sure a map of its position is cached.
func (v *VesselCommand) Execute(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) (*discordgo.WebhookEdit, error) {
	imo := v.config.IMO
	if opt, ok := discordInteractionOptions(i)[vesselOptionIMO]; ok {
		imo = strings.TrimSpace(opt.StringValue())
	}
	if err := structValidator.Var(imo, "required,numeric"); err != nil {
		return nil, fmt.Errorf("invalid IMO %q", imo)
	}

	ais, err := v.Lookup(ctx, imo)
	if err != nil {
		return nil, err
	}
	content := formatVessel(ais)
	edit := &discordgo.WebhookEdit{Content: &content}

	if v.maps != nil {
		key := MapKey(ais.Latitude, ais.Longitude)
		if err = v.maps.Ensure(ctx, key); err != nil {
			return nil, err
		}
		if v.publicURL != "" {
			edit.Embeds = &[]*discordgo.MessageEmbed{
				{
					Image: &discordgo.MessageEmbedImage{
						URL: v.publicURL + MapRoutePrefix + "/" + key,
					},
				},
			}
		}
	}
	return edit, nil
}

// Lookup fetches the latest position report for imo
func (v *VesselCommand) Lookup(ctx context.Context, imo string) (*AIS, error) {
	u, err := url.Parse(v.config.URL)
	if err != nil {
		return nil, fmt.Errorf("vessel: invalid URL: %w", err)
	}
	q := u.Query()
	q.Set("userkey", v.config.APIKey)
	q.Set("imo", imo)
	u.RawQuery = q.Encode()

	body, _, err := upstreamGet(ctx, v.client, "Vesselfinder", u.String(), nil)
	if err != nil {
		return nil, err
	}
	return decodeVessel(body)
}

// decodeVessel accepts either a single record or a list of records, and
// returns the first.
func decodeVessel(body []byte) (*AIS, error) {
	var records []vesselRecord
	if err := json.Unmarshal(body, &records); err != nil {
		var record vesselRecord
		if objErr := json.Unmarshal(body, &record); objErr != nil {
			return nil, fmt.Errorf("vessel: error decoding response: %w", objErr)
		}
		records = []vesselRecord{record}
	}
	if len(records) == 0 || records[0].AIS == nil {
		return nil, errNoVesselData
	}
	return records[0].AIS, nil
}

func formatVessel(ais *AIS) string {
	eta := ais.ETA
	if ts, err := parseVesselETA(ais.ETA); err == nil {
		eta = fmt.Sprintf("%s (<t:%d:R>)", ais.ETA, ts.Unix())
	}
	lines := []string{
		fmt.Sprintf("Vessel %s: %s (%s)", ais.IMO, ais.Name, ais.Callsign),
		fmt.Sprintf(
			"Current Position: %s, %s",
			strconv.FormatFloat(ais.Latitude, 'f', -1, 64),
			strconv.FormatFloat(ais.Longitude, 'f', -1, 64),
		),
		fmt.Sprintf("Estimated to reach %s: %s", ais.Destination, eta),
	}
	return strings.Join(lines, "\n")
}

func parseVesselETA(eta string) (time.Time, error) {
	if ts, err := time.Parse(vesselETALayout, eta); err == nil {
		return ts, nil
	}
	return time.Parse(vesselETASecondsLayout, eta)
}

// fetchMap retrieves the static map centered on the coordinates in key
func (v *VesselCommand) fetchMap(ctx context.Context, key string) ([]byte, error) {
	lat, lon, ok := strings.Cut(key, ",")
	if !ok {
		return nil, fmt.Errorf("invalid map key %q", key)
	}
	u := strings.NewReplacer(
		"{lat}", lat,
		"{lon}", lon,
		"{key}", url.QueryEscape(v.mapConfig.APIKey),
	).Replace(v.mapConfig.URLTemplate)

	data, contentType, err := upstreamGet(ctx, v.client, "map", u, nil)
	if err != nil {
		return nil, err
	}
	if contentType != "" && !strings.HasPrefix(contentType, "image/") {
		return nil, fmt.Errorf("map: unexpected content type %q", contentType)
	}
	return data, nil
}

func ptr[T any](v T) *T {
	return &v
}
