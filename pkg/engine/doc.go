/*
Package engine renders launch configuration for the inference engines.

RenderArgs maps the sparse parameter set onto the flags each engine kind
understands; parameters the kind does not recognize are ignored, not
errors. ResolveWeights locates quantized weight files under the models
root and validates split families (model-00001-of-00004.gguf and
friends): every part must be present, and the engine is pointed at part
one.
*/
package engine
