// Package service contains the business logic of the cadastre server:
// parcel attributes, vector tiles, viewer layer configurations and the
// change bus that feeds the viewer streams.
package service

import (
	"github.com/joeblew999/plat-cadastre/internal/parcel"
)

// Layer kinds.
const (
	KindXYZ    = "xyz"    // raster tiles, e.g. OpenStreetMap
	KindWMS    = "wms"    // OGC WMS, e.g. the CORINE land cover service
	KindVector = "vector" // Mapbox vector tiles found through capabilities
)

// LayerConfig is a viewer layer definition.
// Huma reads the tags for OpenAPI and validation.
type LayerConfig struct {
	ID             string  `json:"id,omitempty" doc:"Unique layer identifier" example:"land_cover"`
	Name           string  `json:"name" required:"true" minLength:"1" maxLength:"100" doc:"Display name" example:"Land cover (CORINE 2018)"`
	Kind           string  `json:"kind" required:"true" enum:"xyz,wms,vector" doc:"Layer source kind" example:"wms"`
	URL            string  `json:"url,omitempty" doc:"Tile URL template or WMS endpoint; empty for vector layers resolved through capabilities" example:"https://image.discomap.eea.europa.eu/arcgis/services/Corine/CLC2018_WM/MapServer/WMSServer"`
	WMSLayers      string  `json:"wmsLayers,omitempty" doc:"WMS LAYERS parameter" example:"13"`
	ZIndex         int     `json:"zIndex" minimum:"0" doc:"Stacking order, higher is on top" example:"1"`
	Opacity        float64 `json:"opacity,omitempty" minimum:"0" maximum:"1" default:"1" doc:"Layer opacity (0-1)" example:"0.7"`
	DefaultVisible bool    `json:"defaultVisible" doc:"Whether the layer is shown when a viewer opens" example:"true"`
	Attribution    string  `json:"attribution,omitempty" doc:"Attribution text"`
	Selectable     bool    `json:"selectable,omitempty" doc:"Whether clicking a feature selects it"`
	// Palette is used by selectable vector layers.
	Palette *parcel.Palette `json:"palette,omitempty" doc:"Default and selected feature styles"`
}

// Parcel is one cadastral parcel as stored in DuckDB.
type Parcel struct {
	ID           string            `json:"id" doc:"Feature identifier shared with the vector tiles" example:"42"`
	ParcelNumber string            `json:"parcel_number" doc:"Cadastral parcel number" example:"1234/5"`
	Area         string            `json:"area" doc:"Area in square meters" example:"812.5"`
	Properties   map[string]string `json:"properties,omitempty" doc:"Remaining source attributes"`
}

// TileFile is a PMTiles archive in the tiles directory.
type TileFile struct {
	Name string `json:"name" doc:"PMTiles file name" example:"cadastral_parcels.pmtiles"`
	Size string `json:"size" doc:"Human-readable file size" example:"5.4 MB"`
}

// SourceFile is a GeoJSON parcel source in the sources directory.
type SourceFile struct {
	Name string `json:"name" doc:"File name" example:"parcels.geojson"`
	Size string `json:"size" doc:"Human-readable file size" example:"1.2 MB"`
}
