package api

// links maps operation paths to their RFC 8288 Link header values, for
// restish-style hypermedia navigation.
var links = map[string][]string{
	"/health": {
		`</api/v1/info>; rel="info"`,
		`</api/v1/capabilities>; rel="capabilities"`,
		`</api/v1/parcels>; rel="parcels"`,
		`</api/v1/layers>; rel="layers"`,
		`</api/v1/sources>; rel="sources"`,
		`</api/v1/tiles>; rel="tiles"`,
		`</openapi.json>; rel="service-desc"`,
		`</docs>; rel="service-doc"`,
	},
	"/api/v1/info": {
		`</health>; rel="up"`,
	},
	"/api/v1/capabilities": {
		`</health>; rel="up"`,
		`</api/v1/parcels>; rel="parcels"`,
	},
	"/api/v1/parcels": {
		`</health>; rel="up"`,
		`</api/v1/parcels/{id}>; rel="item"`,
		`</api/v1/extent>; rel="extent"`,
	},
	"/api/v1/parcels/{id}": {
		`</api/v1/parcels>; rel="collection"`,
	},
	"/api/v1/layers": {
		`</health>; rel="up"`,
		`</api/v1/layers/{id}>; rel="item"`,
	},
	"/api/v1/layers/{id}": {
		`</api/v1/layers>; rel="collection"`,
	},
	"/api/v1/sources": {
		`</api/v1/sources/import>; rel="import"`,
		`</api/v1/parcels>; rel="parcels"`,
	},
	"/api/v1/tiles": {
		`</api/v1/capabilities>; rel="capabilities"`,
	},
}

// Links returns the static link table used with humastar.LinkTransformer.
func Links() map[string][]string {
	return links
}
