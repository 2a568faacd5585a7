package handlers

import "github.com/xeipuuv/gojsonschema"

var inputSchemas map[string]string = map[string]string{
	"CreateTimelapse":      CreateTimelapseRequestSchemaDefinition,
	"ChunkUploaded":        ChunkUploadedRequestSchemaDefinition,
	"ChunkProcessedReport": ChunkProcessedReportSchemaDefinition,
	"MergeCompleteReport":  MergeCompleteReportSchemaDefinition,
	"FailureReport":        FailureReportSchemaDefinition,
}

func compileJsonSchemas() map[string]*gojsonschema.Schema {
	compiled := make(map[string]*gojsonschema.Schema, 0)
	for name, text := range inputSchemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(text))
		if err != nil {
			// invalid schema text is a programming error, fail at startup
			panic(err)
		}
		compiled[name] = schema
	}
	return compiled
}

// Run compile step on program start:
var inputSchemasCompiled map[string]*gojsonschema.Schema = compileJsonSchemas()
