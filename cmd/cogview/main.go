// Command cogview inspects, renders and crops GeoTIFF rasters, and serves the same
// operations over HTTP.
package main

func main() {
	Execute()
}
